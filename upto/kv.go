package upto

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultClosedSessionTTL ages out closed sessions in KV backends.
const DefaultClosedSessionTTL = 12 * time.Hour

// KV is the minimal key-value contract the KVStore and KVLock need:
// string values with optional TTL, a set for the live-session index, and
// the compare-and-swap primitives safe locking requires.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes the key only when it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// sessionRecord is the serialized form of a Session: every bigint becomes
// a decimal string so distributed backends never see binary integers.
type sessionRecord struct {
	ID              string            `json:"id"`
	Cap             string            `json:"cap"`
	Deadline        int64             `json:"deadline"`
	PendingSpent    string            `json:"pendingSpent"`
	SettledTotal    string            `json:"settledTotal"`
	Status          SessionStatus     `json:"status"`
	LastActivityMs  int64             `json:"lastActivityMs"`
	SettlingSinceMs int64             `json:"settlingSinceMs,omitempty"`
	PaymentPayload  json.RawMessage   `json:"paymentPayload"`
	Requirements    json.RawMessage   `json:"paymentRequirements"`
	LastSettlement  *SettlementRecord `json:"lastSettlement,omitempty"`
}

// KVStore persists sessions in a key-value backend: one JSON document per
// session plus an index set of live IDs so sweeps never scan the whole
// keyspace.
type KVStore struct {
	kv        KV
	prefix    string
	closedTTL time.Duration
}

// KVStoreConfig tunes a KVStore.
type KVStoreConfig struct {
	// Prefix namespaces all keys. Default "upto".
	Prefix string
	// ClosedTTL expires closed sessions. Default 12h. Open and settling
	// sessions never expire.
	ClosedTTL time.Duration
}

// NewKVStore wraps a KV backend as a SessionStore.
func NewKVStore(kv KV, config KVStoreConfig) *KVStore {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "upto"
	}
	closedTTL := config.ClosedTTL
	if closedTTL == 0 {
		closedTTL = DefaultClosedSessionTTL
	}
	return &KVStore{kv: kv, prefix: prefix, closedTTL: closedTTL}
}

func (s *KVStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *KVStore) indexKey() string            { return s.prefix + ":sessions" }

func (s *KVStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, ok, err := s.kv.Get(ctx, s.sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return decodeSession([]byte(raw))
}

func (s *KVStore) Set(ctx context.Context, session *Session) error {
	raw, err := encodeSession(session)
	if err != nil {
		return err
	}
	ttl := time.Duration(0)
	if session.Status == StatusClosed {
		ttl = s.closedTTL
	}
	if err := s.kv.Set(ctx, s.sessionKey(session.ID), string(raw), ttl); err != nil {
		return fmt.Errorf("failed to write session %s: %w", session.ID, err)
	}
	if session.Status == StatusClosed {
		return s.kv.SRem(ctx, s.indexKey(), session.ID)
	}
	return s.kv.SAdd(ctx, s.indexKey(), session.ID)
}

func (s *KVStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, s.sessionKey(id)); err != nil {
		return err
	}
	return s.kv.SRem(ctx, s.indexKey(), id)
}

// Entries resolves the live-ID index and loads each session, skipping IDs
// whose record has since expired or been deleted.
func (s *KVStore) Entries(ctx context.Context) ([]*Session, error) {
	ids, err := s.kv.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	var out []*Session
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session != nil {
			out = append(out, session)
		}
	}
	return out, nil
}

func encodeSession(session *Session) ([]byte, error) {
	payloadJSON, err := json.Marshal(session.PaymentPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session payload: %w", err)
	}
	requirementsJSON, err := json.Marshal(session.PaymentRequirements)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session requirements: %w", err)
	}
	return json.Marshal(sessionRecord{
		ID:              session.ID,
		Cap:             session.Cap.String(),
		Deadline:        session.Deadline,
		PendingSpent:    session.PendingSpent.String(),
		SettledTotal:    session.SettledTotal.String(),
		Status:          session.Status,
		LastActivityMs:  session.LastActivityMs,
		SettlingSinceMs: session.SettlingSinceMs,
		PaymentPayload:  payloadJSON,
		Requirements:    requirementsJSON,
		LastSettlement:  session.LastSettlement,
	})
}

func decodeSession(raw []byte) (*Session, error) {
	var record sessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupted session record: %w", err)
	}
	capValue, ok := new(big.Int).SetString(record.Cap, 10)
	if !ok {
		return nil, fmt.Errorf("corrupted session cap: %s", record.Cap)
	}
	pending, ok := new(big.Int).SetString(record.PendingSpent, 10)
	if !ok {
		return nil, fmt.Errorf("corrupted session pendingSpent: %s", record.PendingSpent)
	}
	settled, ok := new(big.Int).SetString(record.SettledTotal, 10)
	if !ok {
		return nil, fmt.Errorf("corrupted session settledTotal: %s", record.SettledTotal)
	}

	session := &Session{
		ID:              record.ID,
		Cap:             capValue,
		Deadline:        record.Deadline,
		PendingSpent:    pending,
		SettledTotal:    settled,
		Status:          record.Status,
		LastActivityMs:  record.LastActivityMs,
		SettlingSinceMs: record.SettlingSinceMs,
		LastSettlement:  record.LastSettlement,
	}
	if len(record.PaymentPayload) > 0 {
		if err := json.Unmarshal(record.PaymentPayload, &session.PaymentPayload); err != nil {
			return nil, fmt.Errorf("corrupted session payload: %w", err)
		}
	}
	if len(record.Requirements) > 0 {
		if err := json.Unmarshal(record.Requirements, &session.PaymentRequirements); err != nil {
			return nil, fmt.Errorf("corrupted session requirements: %w", err)
		}
	}
	return session, nil
}

// MemoryKV is a process-local KV used in tests and single-node setups.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]memoryKVEntry
	sets   map[string]map[string]struct{}
}

type memoryKVEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string]memoryKVEntry),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = newEntry(value, ttl)
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.values[key]; ok {
		if entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt) {
			return false, nil
		}
	}
	m.values[key] = newEntry(value, ttl)
	return true, nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryKV) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.values[key]
	if !ok || entry.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *MemoryKV) SAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryKV) SRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (m *MemoryKV) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func newEntry(value string, ttl time.Duration) memoryKVEntry {
	entry := memoryKVEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}
