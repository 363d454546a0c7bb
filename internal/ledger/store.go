package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aegisops/backend/internal/core"
)

// Filter narrows List queries. Zero values match everything.
type Filter struct {
	DecisionType core.DecisionType
	Action       core.ApprovalAction
	GuardianID   string
	Limit        int
}

func (f Filter) matches(rec core.ApprovalRecord) bool {
	if f.DecisionType != "" && rec.DecisionType != f.DecisionType {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.GuardianID != "" && rec.GuardianID != f.GuardianID {
		return false
	}
	return true
}

// Store is the append-only persistence backend for approval records.
// Records are never updated or deleted.
type Store interface {
	// Append durably persists a record.
	Append(ctx context.Context, rec core.ApprovalRecord) error

	// ByDecision returns all records for a decision in append order.
	ByDecision(ctx context.Context, decisionID string) ([]core.ApprovalRecord, error)

	// List returns matching records in append order, newest last.
	List(ctx context.Context, f Filter) ([]core.ApprovalRecord, error)

	Close() error
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps records in process memory. Used for tests and as
// the fallback when no durable backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records []core.ApprovalRecord
	byDec   map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDec: make(map[string][]int)}
}

func (s *MemoryStore) Append(_ context.Context, rec core.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.byDec[rec.DecisionID] = append(s.byDec[rec.DecisionID], len(s.records)-1)
	return nil
}

func (s *MemoryStore) ByDecision(_ context.Context, decisionID string) ([]core.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byDec[decisionID]
	out := make([]core.ApprovalRecord, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]core.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ApprovalRecord, 0, len(s.records))
	for _, rec := range s.records {
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// FILE STORE
// ============================================================================

// FileStore persists records as JSON lines appended to a single file,
// with an in-memory index rebuilt on open. Suitable for single-node
// deployments without Postgres.
type FileStore struct {
	mu     sync.Mutex
	file   *os.File
	mem    *MemoryStore
	closed bool
}

// NewFileStore opens (or creates) the ledger file at path and replays
// its contents into the in-memory index.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger file: %w", err)
	}
	fs := &FileStore{file: f, mem: NewMemoryStore()}
	if err := fs.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

func (s *FileStore) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking ledger file: %w", err)
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec core.ApprovalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("ledger file corrupt at line %d: %w", line, err)
		}
		if err := s.mem.Append(context.Background(), rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading ledger file: %w", err)
	}
	_, err := s.file.Seek(0, 2)
	return err
}

func (s *FileStore) Append(ctx context.Context, rec core.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ledger file store is closed")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding approval record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("appending approval record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing ledger file: %w", err)
	}
	return s.mem.Append(ctx, rec)
}

func (s *FileStore) ByDecision(ctx context.Context, decisionID string) ([]core.ApprovalRecord, error) {
	return s.mem.ByDecision(ctx, decisionID)
}

func (s *FileStore) List(ctx context.Context, f Filter) ([]core.ApprovalRecord, error) {
	return s.mem.List(ctx, f)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
