package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

const recordsTable = "resource_call_records"

// schemaStatements create the records table and its indexes. Structured
// detail objects are stored as JSON text and queried through
// json_extract, with functional indexes on the hot paths.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS resource_call_records (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		route_key TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		payment_required INTEGER NOT NULL DEFAULT 0,
		payment_verified INTEGER NOT NULL DEFAULT 0,
		verification_error TEXT NOT NULL DEFAULT '',
		payment TEXT,
		settlement TEXT,
		upto_session TEXT,
		request TEXT,
		route_config TEXT,
		metadata TEXT,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		handler_executed INTEGER NOT NULL DEFAULT 0,
		x402_version INTEGER NOT NULL DEFAULT 0,
		payment_nonce TEXT NOT NULL DEFAULT '',
		payment_valid_before TEXT NOT NULL DEFAULT '',
		payload_hash TEXT NOT NULL DEFAULT '',
		requirements_hash TEXT NOT NULL DEFAULT '',
		payment_signature_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_timestamp ON resource_call_records (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_records_path ON resource_call_records (path)`,
	`CREATE INDEX IF NOT EXISTS idx_records_payment_verified ON resource_call_records (payment_verified)`,
	`CREATE INDEX IF NOT EXISTS idx_records_x402_version ON resource_call_records (x402_version)`,
	`CREATE INDEX IF NOT EXISTS idx_records_payment_nonce ON resource_call_records (payment_nonce)`,
	`CREATE INDEX IF NOT EXISTS idx_records_payload_hash ON resource_call_records (payload_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_requirements_hash ON resource_call_records (requirements_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_payment_network ON resource_call_records (json_extract(payment, '$.network'))`,
	`CREATE INDEX IF NOT EXISTS idx_records_payment_scheme ON resource_call_records (json_extract(payment, '$.scheme'))`,
	`CREATE INDEX IF NOT EXISTS idx_records_payment_payer ON resource_call_records (json_extract(payment, '$.payer'))`,
	`CREATE INDEX IF NOT EXISTS idx_records_settlement_success ON resource_call_records (json_extract(settlement, '$.success'))`,
}

// SQLStore persists tracking records in SQLite.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore opens (or creates) the database at the DSN and applies the
// schema. The DSN is a file path or ":memory:".
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := dbx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening tracking database: %w", err)
	}
	// The per-ID engine serializes writes; a single connection keeps
	// SQLite away from SQLITE_BUSY under concurrent readers.
	db.DB().SetMaxOpenConns(1)
	for _, stmt := range schemaStatements {
		if _, err := db.NewQuery(stmt).Execute(); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying tracking schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, record *ResourceCallRecord) error {
	params, err := recordParams(record)
	if err != nil {
		return err
	}
	_, err = s.db.Insert(recordsTable, params).WithContext(ctx).Execute()
	return err
}

func (s *SQLStore) Update(ctx context.Context, record *ResourceCallRecord) error {
	params, err := recordParams(record)
	if err != nil {
		return err
	}
	delete(params, "id")
	result, err := s.db.Update(recordsTable, params, dbx.HashExp{"id": record.ID}).WithContext(ctx).Execute()
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("record %s not found", record.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*ResourceCallRecord, error) {
	var row recordRow
	err := s.db.Select().From(recordsTable).Where(dbx.HashExp{"id": id}).WithContext(ctx).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

func (s *SQLStore) List(ctx context.Context, options ListOptions) (*ListResult, error) {
	conditions := listConditions(options)

	var total int
	countQuery := s.db.Select("COUNT(*)").From(recordsTable).WithContext(ctx)
	if len(conditions) > 0 {
		countQuery.Where(dbx.And(conditions...))
	}
	if err := countQuery.Row(&total); err != nil {
		return nil, err
	}

	limit := options.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := options.Offset
	if offset < 0 {
		offset = 0
	}

	query := s.db.Select().From(recordsTable).WithContext(ctx).
		OrderBy(orderClause(options.SortBy, options.SortDir)).
		Offset(int64(offset)).
		Limit(int64(limit))
	if len(conditions) > 0 {
		query.Where(dbx.And(conditions...))
	}

	var rows []recordRow
	if err := query.All(&rows); err != nil {
		return nil, err
	}

	records := make([]*ResourceCallRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	result := &ListResult{
		Records: records,
		Total:   total,
		HasMore: offset+len(records) < total,
	}
	if result.HasMore {
		result.NextCursor = offset + len(records)
	}
	return result, nil
}

func (s *SQLStore) GetStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	query := s.db.Select().From(recordsTable).WithContext(ctx)
	var conditions []dbx.Expression
	if !start.IsZero() {
		conditions = append(conditions, dbx.NewExp("timestamp >= {:start}", dbx.Params{"start": formatTimestamp(start)}))
	}
	if !end.IsZero() {
		conditions = append(conditions, dbx.NewExp("timestamp <= {:end}", dbx.Params{"end": formatTimestamp(end)}))
	}
	if len(conditions) > 0 {
		query.Where(dbx.And(conditions...))
	}

	var rows []recordRow
	if err := query.All(&rows); err != nil {
		return nil, err
	}

	stats := newStats()
	var responseTimes []int64
	var responseTimeSum int64
	for i := range rows {
		record, err := rows[i].toRecord()
		if err != nil {
			return nil, err
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

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.Delete(recordsTable, dbx.NewExp("timestamp < {:cutoff}", dbx.Params{
		"cutoff": formatTimestamp(olderThan),
	})).WithContext(ctx).Execute()
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// recordRow is the flat database shape of a record. JSON detail columns
// are nullable.
type recordRow struct {
	ID                   string         `db:"id"`
	Method               string         `db:"method"`
	Path                 string         `db:"path"`
	RouteKey             string         `db:"route_key"`
	URL                  string         `db:"url"`
	Timestamp            string         `db:"timestamp"`
	PaymentRequired      bool           `db:"payment_required"`
	PaymentVerified      bool           `db:"payment_verified"`
	VerificationError    string         `db:"verification_error"`
	Payment              sql.NullString `db:"payment"`
	Settlement           sql.NullString `db:"settlement"`
	UptoSession          sql.NullString `db:"upto_session"`
	Request              sql.NullString `db:"request"`
	RouteConfig          sql.NullString `db:"route_config"`
	Metadata             sql.NullString `db:"metadata"`
	ResponseStatus       int            `db:"response_status"`
	ResponseTimeMs       int64          `db:"response_time_ms"`
	HandlerExecuted      bool           `db:"handler_executed"`
	X402Version          int            `db:"x402_version"`
	PaymentNonce         string         `db:"payment_nonce"`
	PaymentValidBefore   string         `db:"payment_valid_before"`
	PayloadHash          string         `db:"payload_hash"`
	RequirementsHash     string         `db:"requirements_hash"`
	PaymentSignatureHash string         `db:"payment_signature_hash"`
}

func recordParams(record *ResourceCallRecord) (dbx.Params, error) {
	params := dbx.Params{
		"id":                     record.ID,
		"method":                 record.Method,
		"path":                   record.Path,
		"route_key":              record.RouteKey,
		"url":                    record.URL,
		"timestamp":              formatTimestamp(record.Timestamp),
		"payment_required":       record.PaymentRequired,
		"payment_verified":       record.PaymentVerified,
		"verification_error":     record.VerificationError,
		"response_status":        record.ResponseStatus,
		"response_time_ms":       record.ResponseTimeMs,
		"handler_executed":       record.HandlerExecuted,
		"x402_version":           record.Audit.X402Version,
		"payment_nonce":          record.Audit.PaymentNonce,
		"payment_valid_before":   record.Audit.PaymentValidBefore,
		"payload_hash":           record.Audit.PayloadHash,
		"requirements_hash":      record.Audit.RequirementsHash,
		"payment_signature_hash": record.Audit.PaymentSignatureHash,
	}
	jsonColumns := []struct {
		column string
		value  interface{}
		set    bool
	}{
		{"payment", record.Payment, record.Payment != nil},
		{"settlement", record.Settlement, record.Settlement != nil},
		{"upto_session", record.UptoSession, record.UptoSession != nil},
		{"request", record.Request, record.Request != nil},
		{"route_config", record.RouteConfig, record.RouteConfig != nil},
		{"metadata", record.Metadata, record.Metadata != nil},
	}
	for _, col := range jsonColumns {
		if !col.set {
			params[col.column] = nil
			continue
		}
		raw, err := json.Marshal(col.value)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", col.column, err)
		}
		params[col.column] = string(raw)
	}
	return params, nil
}

func (r *recordRow) toRecord() (*ResourceCallRecord, error) {
	timestamp, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing record timestamp: %w", err)
	}
	record := &ResourceCallRecord{
		ID:                r.ID,
		Method:            r.Method,
		Path:              r.Path,
		RouteKey:          r.RouteKey,
		URL:               r.URL,
		Timestamp:         timestamp,
		PaymentRequired:   r.PaymentRequired,
		PaymentVerified:   r.PaymentVerified,
		VerificationError: r.VerificationError,
		ResponseStatus:    r.ResponseStatus,
		ResponseTimeMs:    r.ResponseTimeMs,
		HandlerExecuted:   r.HandlerExecuted,
		Audit: AuditFields{
			X402Version:          r.X402Version,
			PaymentNonce:         r.PaymentNonce,
			PaymentValidBefore:   r.PaymentValidBefore,
			PayloadHash:          r.PayloadHash,
			RequirementsHash:     r.RequirementsHash,
			PaymentSignatureHash: r.PaymentSignatureHash,
		},
	}
	if err := decodeColumn(r.Payment, &record.Payment); err != nil {
		return nil, err
	}
	if err := decodeColumn(r.Settlement, &record.Settlement); err != nil {
		return nil, err
	}
	if err := decodeColumn(r.UptoSession, &record.UptoSession); err != nil {
		return nil, err
	}
	if err := decodeColumn(r.Request, &record.Request); err != nil {
		return nil, err
	}
	if err := decodeColumn(r.RouteConfig, &record.RouteConfig); err != nil {
		return nil, err
	}
	if err := decodeColumn(r.Metadata, &record.Metadata); err != nil {
		return nil, err
	}
	return record, nil
}

func decodeColumn(column sql.NullString, target interface{}) error {
	if !column.Valid || column.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(column.String), target)
}

func listConditions(options ListOptions) []dbx.Expression {
	var conditions []dbx.Expression
	if options.Path != "" {
		conditions = append(conditions, dbx.HashExp{"path": options.Path})
	}
	if options.Method != "" {
		conditions = append(conditions, dbx.NewExp("method = {:method} COLLATE NOCASE", dbx.Params{"method": options.Method}))
	}
	if options.PaymentRequired != nil {
		conditions = append(conditions, dbx.HashExp{"payment_required": *options.PaymentRequired})
	}
	if options.PaymentVerified != nil {
		conditions = append(conditions, dbx.HashExp{"payment_verified": *options.PaymentVerified})
	}
	if options.Network != "" {
		conditions = append(conditions, dbx.NewExp("json_extract(payment, '$.network') = {:network}", dbx.Params{"network": options.Network}))
	}
	if options.NetworkType != "" {
		conditions = append(conditions, dbx.NewExp("json_extract(payment, '$.networkType') = {:networkType}", dbx.Params{"networkType": options.NetworkType}))
	}
	if options.Scheme != "" {
		conditions = append(conditions, dbx.NewExp("json_extract(payment, '$.scheme') = {:scheme}", dbx.Params{"scheme": options.Scheme}))
	}
	if options.Payer != "" {
		conditions = append(conditions, dbx.NewExp("json_extract(payment, '$.payer') = {:payer} COLLATE NOCASE", dbx.Params{"payer": options.Payer}))
	}
	if options.SettlementSuccess != nil {
		conditions = append(conditions, dbx.NewExp("json_extract(settlement, '$.success') = {:success}", dbx.Params{"success": *options.SettlementSuccess}))
	}
	if !options.Since.IsZero() {
		conditions = append(conditions, dbx.NewExp("timestamp >= {:since}", dbx.Params{"since": formatTimestamp(options.Since)}))
	}
	if !options.Until.IsZero() {
		conditions = append(conditions, dbx.NewExp("timestamp <= {:until}", dbx.Params{"until": formatTimestamp(options.Until)}))
	}
	if options.MinResponseTimeMs > 0 {
		conditions = append(conditions, dbx.NewExp("response_time_ms >= {:min}", dbx.Params{"min": options.MinResponseTimeMs}))
	}
	if options.MaxResponseTimeMs > 0 {
		conditions = append(conditions, dbx.NewExp("response_time_ms <= {:max}", dbx.Params{"max": options.MaxResponseTimeMs}))
	}
	return conditions
}

func orderClause(sortBy, sortDir string) string {
	column := "timestamp"
	switch sortBy {
	case "responseTimeMs":
		column = "response_time_ms"
	case "path":
		column = "path"
	}
	direction := "DESC"
	if sortDir == "asc" {
		direction = "ASC"
	}
	return column + " " + direction
}

// timestampLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing zeros, which would break the lexicographic ordering the
// timestamp index relies on.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTimestamp stores instants as UTC RFC 3339 text so lexicographic
// comparison matches chronological order.
func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}
