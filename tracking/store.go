package tracking

import (
	"context"
	"time"
)

// List defaults and bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ListOptions filters, sorts and paginates record listings.
type ListOptions struct {
	Path              string
	Method            string
	Network           string
	NetworkType       string
	Scheme            string
	Payer             string
	PaymentRequired   *bool
	PaymentVerified   *bool
	SettlementSuccess *bool

	Since time.Time
	Until time.Time

	MinResponseTimeMs int64
	MaxResponseTimeMs int64

	// SortBy is one of timestamp, responseTimeMs, path. Default timestamp.
	SortBy string
	// SortDir is asc or desc. Default desc.
	SortDir string

	Offset int
	Limit  int
}

// ListResult is a page of records.
type ListResult struct {
	Records    []*ResourceCallRecord `json:"records"`
	Total      int                   `json:"total"`
	HasMore    bool                  `json:"hasMore"`
	NextCursor int                   `json:"nextCursor,omitempty"`
}

// Stats aggregates tracked calls over a time range. Volumes are decimal
// strings since amounts are unbounded integers.
type Stats struct {
	Total           int `json:"total"`
	PaymentRequired int `json:"paymentRequired"`
	PaymentVerified int `json:"paymentVerified"`
	Settled         int `json:"settled"`
	Failed          int `json:"failed"`

	ByPath    map[string]int `json:"byPath"`
	ByNetwork map[string]int `json:"byNetwork"`
	ByScheme  map[string]int `json:"byScheme"`

	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	P95ResponseTimeMs int64   `json:"p95ResponseTimeMs"`

	VolumeByNetwork map[string]string `json:"volumeByNetwork"`
	VolumeByAsset   map[string]string `json:"volumeByAsset"`
}

// Store is the persistence contract for tracking records. Create and
// Update are keyed by record ID; callers guarantee per-ID ordering (the
// Engine enforces it).
type Store interface {
	Create(ctx context.Context, record *ResourceCallRecord) error
	Update(ctx context.Context, record *ResourceCallRecord) error
	Get(ctx context.Context, id string) (*ResourceCallRecord, error)
	List(ctx context.Context, options ListOptions) (*ListResult, error)
	GetStats(ctx context.Context, start, end time.Time) (*Stats, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}
