// Package ledger provides the append-only guardian approval ledger.
// Every guardian action on a decision is recorded as a new entry;
// nothing is ever updated in place. The current approval state of a
// decision is derived from its most recent entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/backend/internal/circuitbreaker"
	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/metrics"
	"github.com/aegisops/backend/pb"
)

const (
	// maxRetries is the number of retries after the initial attempt.
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

var (
	// ErrPersistence means the record could not be durably stored
	// after all retries. Callers must treat the approval as not
	// recorded.
	ErrPersistence = errors.New("approval ledger persistence failed")

	// ErrNotFound means no approval entry exists for the decision.
	ErrNotFound = errors.New("approval not found")

	// ErrInvalidRecord means the record failed field validation.
	ErrInvalidRecord = errors.New("invalid approval record")
)

// Stats summarizes ledger contents.
type Stats struct {
	Total        int            `json:"total"`
	Approved     int            `json:"approved"`
	Rejected     int            `json:"rejected"`
	Modified     int            `json:"modified"`
	ApprovalRate float64        `json:"approval_rate"`
	ByType       map[string]int `json:"by_type"`
}

// Service wraps a Store with write serialization, retry, a circuit
// breaker against the backend, and optional audit mirroring.
type Service struct {
	store   Store
	backend string
	breaker *circuitbreaker.Breaker
	mirror  *AuditMirror
	mets    *metrics.Metrics
	logger  *slog.Logger

	// writeMu serializes appends so entries for the same decision
	// land in submission order.
	writeMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithMirror enables async audit mirroring of committed records.
func WithMirror(m *AuditMirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.mets = m }
}

// NewService creates the ledger service. backend names the store kind
// ("memory", "file", "postgres") for logs and metrics labels.
func NewService(store Store, backend string, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		backend: backend,
		logger:  logger.With("component", "ledger"),
	}
	s.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:             "ledger-" + backend,
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			s.logger.Warn("ledger breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record assigns an approval ID and timestamp, validates the record,
// and appends it durably. On persistence failure after all retries the
// record is NOT considered recorded and must not influence approval
// state.
func (s *Service) Record(ctx context.Context, rec core.ApprovalRecord) (core.ApprovalRecord, error) {
	if err := validate(rec); err != nil {
		return core.ApprovalRecord{}, err
	}
	rec.ApprovalID = "approval_" + uuid.New().String()
	rec.Timestamp = time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	err := s.appendWithRetry(ctx, rec)
	s.mets.ObserveLedgerWrite(s.backend, time.Since(start), err)
	if err != nil {
		s.logger.Error("approval write failed",
			"decision_id", rec.DecisionID, "action", rec.Action, "error", err)
		return core.ApprovalRecord{}, err
	}

	s.logger.Info("approval recorded",
		"approval_id", rec.ApprovalID,
		"decision_id", rec.DecisionID,
		"action", rec.Action,
		"guardian_id", rec.GuardianID)

	if s.mirror != nil {
		s.mirror.Mirror(&pb.AuditEntry{
			ApprovalId:   rec.ApprovalID,
			DecisionId:   rec.DecisionID,
			DecisionType: string(rec.DecisionType),
			GuardianId:   rec.GuardianID,
			Action:       mirrorAction(string(rec.Action)),
			Reasoning:    rec.Reasoning,
			Priority:     string(rec.Priority),
			Confidence:   rec.Confidence,
		})
	}
	return rec, nil
}

func (s *Service) appendWithRetry(ctx context.Context, rec core.ApprovalRecord) error {
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		lastErr = s.store.Append(ctx, rec)
		if lastErr == nil {
			s.breaker.RecordSuccess()
			return nil
		}
		s.logger.Warn("ledger append attempt failed",
			"attempt", attempt, "decision_id", rec.DecisionID, "error", lastErr)
		if attempt <= maxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				s.breaker.RecordFailure()
				return fmt.Errorf("%w: %v", ErrPersistence, ctx.Err())
			}
			backoff *= 2
		}
	}
	s.breaker.RecordFailure()
	return fmt.Errorf("%w: %v", ErrPersistence, lastErr)
}

func validate(rec core.ApprovalRecord) error {
	if rec.DecisionID == "" {
		return fmt.Errorf("%w: missing decision ID", ErrInvalidRecord)
	}
	if rec.GuardianID == "" {
		return fmt.Errorf("%w: missing guardian ID", ErrInvalidRecord)
	}
	if !rec.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRecord, rec.Action)
	}
	if !rec.DecisionType.Valid() {
		return fmt.Errorf("%w: unknown decision type %q", ErrInvalidRecord, rec.DecisionType)
	}
	return nil
}

// IsApproved reports the current approval state of a decision. The
// latest entry wins: a decision is approved only if its most recent
// entry is an approve action. A modify keeps the decision pending
// until an explicit approve lands. No entry, or a read error, counts
// as not approved.
func (s *Service) IsApproved(ctx context.Context, decisionID string) bool {
	recs, err := s.store.ByDecision(ctx, decisionID)
	if err != nil {
		s.logger.Error("approval lookup failed", "decision_id", decisionID, "error", err)
		return false
	}
	if len(recs) == 0 {
		return false
	}
	return recs[len(recs)-1].Action == core.ActionApprove
}

// GetApproval returns the latest entry for a decision.
func (s *Service) GetApproval(ctx context.Context, decisionID string) (core.ApprovalRecord, error) {
	recs, err := s.store.ByDecision(ctx, decisionID)
	if err != nil {
		return core.ApprovalRecord{}, fmt.Errorf("reading approval history: %w", err)
	}
	if len(recs) == 0 {
		return core.ApprovalRecord{}, ErrNotFound
	}
	return recs[len(recs)-1], nil
}

// History returns every entry for a decision in append order.
func (s *Service) History(ctx context.Context, decisionID string) ([]core.ApprovalRecord, error) {
	recs, err := s.store.ByDecision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("reading approval history: %w", err)
	}
	return recs, nil
}

// GetAll returns ledger entries matching the filter.
func (s *Service) GetAll(ctx context.Context, f Filter) ([]core.ApprovalRecord, error) {
	recs, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	return recs, nil
}

// GetStats aggregates action counts across all entries.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	recs, err := s.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, fmt.Errorf("listing approvals: %w", err)
	}
	st := Stats{ByType: make(map[string]int)}
	st.Total = len(recs)
	for _, rec := range recs {
		switch rec.Action {
		case core.ActionApprove:
			st.Approved++
		case core.ActionReject:
			st.Rejected++
		case core.ActionModify:
			st.Modified++
		}
		st.ByType[string(rec.DecisionType)]++
	}
	if st.Total > 0 {
		st.ApprovalRate = float64(st.Approved) / float64(st.Total)
	}
	return st, nil
}

// Close releases the underlying store.
func (s *Service) Close() error { return s.store.Close() }
