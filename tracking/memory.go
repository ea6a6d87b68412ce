package tracking

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ResourceCallRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ResourceCallRecord)}
}

func (m *MemoryStore) Create(ctx context.Context, record *ResourceCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; exists {
		return fmt.Errorf("record %s already exists", record.ID)
	}
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, record *ResourceCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; !exists {
		return fmt.Errorf("record %s not found", record.ID)
	}
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*ResourceCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (m *MemoryStore) List(ctx context.Context, options ListOptions) (*ListResult, error) {
	m.mu.RLock()
	var matched []*ResourceCallRecord
	for _, record := range m.records {
		if matchesFilters(record, options) {
			clone := *record
			matched = append(matched, &clone)
		}
	}
	m.mu.RUnlock()

	sortRecords(matched, options.SortBy, options.SortDir)
	return paginate(matched, options.Offset, options.Limit), nil
}

func (m *MemoryStore) GetStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := newStats()
	var responseTimes []int64
	var responseTimeSum int64

	for _, record := range m.records {
		if !inRange(record.Timestamp, start, end) {
			continue
		}
		accumulate(stats, record)
		if record.ResponseTimeMs > 0 {
			responseTimes = append(responseTimes, record.ResponseTimeMs)
			responseTimeSum += record.ResponseTimeMs
		}
	}
	finishResponseTimes(stats, responseTimes, responseTimeSum)
	return stats, nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, record := range m.records {
		if record.Timestamp.Before(olderThan) {
			delete(m.records, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) Close() error { return nil }

func matchesFilters(record *ResourceCallRecord, options ListOptions) bool {
	if options.Path != "" && record.Path != options.Path {
		return false
	}
	if options.Method != "" && !strings.EqualFold(record.Method, options.Method) {
		return false
	}
	if options.PaymentRequired != nil && record.PaymentRequired != *options.PaymentRequired {
		return false
	}
	if options.PaymentVerified != nil && record.PaymentVerified != *options.PaymentVerified {
		return false
	}
	if options.Network != "" && (record.Payment == nil || record.Payment.Network != options.Network) {
		return false
	}
	if options.NetworkType != "" && (record.Payment == nil || record.Payment.NetworkType != options.NetworkType) {
		return false
	}
	if options.Scheme != "" && (record.Payment == nil || record.Payment.Scheme != options.Scheme) {
		return false
	}
	if options.Payer != "" && (record.Payment == nil || !strings.EqualFold(record.Payment.Payer, options.Payer)) {
		return false
	}
	if options.SettlementSuccess != nil {
		if record.Settlement == nil || record.Settlement.Success != *options.SettlementSuccess {
			return false
		}
	}
	if !options.Since.IsZero() && record.Timestamp.Before(options.Since) {
		return false
	}
	if !options.Until.IsZero() && record.Timestamp.After(options.Until) {
		return false
	}
	if options.MinResponseTimeMs > 0 && record.ResponseTimeMs < options.MinResponseTimeMs {
		return false
	}
	if options.MaxResponseTimeMs > 0 && record.ResponseTimeMs > options.MaxResponseTimeMs {
		return false
	}
	return true
}

func sortRecords(records []*ResourceCallRecord, sortBy, sortDir string) {
	desc := sortDir != "asc"
	less := func(a, b *ResourceCallRecord) bool {
		switch sortBy {
		case "responseTimeMs":
			return a.ResponseTimeMs < b.ResponseTimeMs
		case "path":
			return a.Path < b.Path
		default:
			return a.Timestamp.Before(b.Timestamp)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if desc {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

func paginate(records []*ResourceCallRecord, offset, limit int) *ListResult {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	total := len(records)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	result := &ListResult{
		Records: records[offset:end],
		Total:   total,
		HasMore: end < total,
	}
	if result.HasMore {
		result.NextCursor = end
	}
	return result
}

func newStats() *Stats {
	return &Stats{
		ByPath:          make(map[string]int),
		ByNetwork:       make(map[string]int),
		ByScheme:        make(map[string]int),
		VolumeByNetwork: make(map[string]string),
		VolumeByAsset:   make(map[string]string),
	}
}

func accumulate(stats *Stats, record *ResourceCallRecord) {
	stats.Total++
	stats.ByPath[record.Path]++
	if record.PaymentRequired {
		stats.PaymentRequired++
	}
	if record.PaymentVerified {
		stats.PaymentVerified++
	}
	if record.Payment != nil {
		if record.Payment.Network != "" {
			stats.ByNetwork[record.Payment.Network]++
		}
		if record.Payment.Scheme != "" {
			stats.ByScheme[record.Payment.Scheme]++
		}
	}
	if record.Settlement != nil {
		if record.Settlement.Success {
			stats.Settled++
			addVolume(stats, record)
		} else {
			stats.Failed++
		}
	}
}

func addVolume(stats *Stats, record *ResourceCallRecord) {
	if record.Payment == nil || record.Payment.Amount == "" {
		return
	}
	amount, ok := new(big.Int).SetString(record.Payment.Amount, 10)
	if !ok {
		return
	}
	network := record.Payment.Network
	addToVolume(stats.VolumeByNetwork, network, amount)
	addToVolume(stats.VolumeByAsset, network+":"+record.Payment.Asset, amount)
}

func addToVolume(volumes map[string]string, key string, amount *big.Int) {
	current := new(big.Int)
	if existing, ok := volumes[key]; ok {
		current.SetString(existing, 10)
	}
	volumes[key] = current.Add(current, amount).String()
}

func finishResponseTimes(stats *Stats, times []int64, sum int64) {
	if len(times) == 0 {
		return
	}
	stats.AvgResponseTimeMs = float64(sum) / float64(len(times))
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	idx := (len(times)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	stats.P95ResponseTimeMs = times[idx]
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}
