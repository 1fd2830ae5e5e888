package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/session"
	"github.com/ashureev/ingestor-core/internal/shared"
	"github.com/ashureev/ingestor-core/internal/trigger"
)

// Sessions is the subset of the session store the invoker needs.
type Sessions interface {
	Read(ctx context.Context, id string) (*domain.Session, error)
	Mutate(ctx context.Context, id string, fn session.MutateFunc) (*domain.Session, error)
	PendingSessions(ctx context.Context) ([]string, error)
}

// Evaluator re-runs trigger evaluation after a settlement.
type Evaluator interface {
	Evaluate(ctx context.Context, sessionID string) ([]trigger.Instance, error)
	Redispatch(snap *domain.Session) []trigger.Instance
}

// Event reports a settled invocation.
type Event struct {
	SessionID   string             `json:"session_id"`
	Agent       string             `json:"agent"`
	Status      domain.AgentStatus `json:"status"`
	TriggeredAt int64              `json:"triggered_at"`
	Generation  int64              `json:"generation"`
	Result      map[string]any     `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
}

// Config tunes the worker pool and call policy.
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	// Retry governs transient transport failures within one invocation.
	Retry shared.Backoff
	// SettleTimeout bounds the merge after the remote call returns.
	SettleTimeout time.Duration
}

// DefaultConfig returns the default invoker configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		QueueSize:      256,
		DefaultTimeout: 30 * time.Second,
		Retry:          shared.Backoff{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		SettleTimeout:  10 * time.Second,
	}
}

// Stats is a point-in-time view of invoker activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"in_flight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Stale     int64 `json:"stale"`
}

// Invoker executes claimed work on a fixed worker pool. The session critical
// section is never held across a remote call: work carries its own snapshot
// and the result is merged with a fresh Mutate.
type Invoker struct {
	sessions  Sessions
	transport Transport
	cfg       Config
	logger    *slog.Logger

	evalMu    sync.RWMutex
	evaluator Evaluator

	jobs   chan trigger.Work
	events chan Event

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	closed   atomic.Bool

	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	stale     atomic.Int64
}

// NewInvoker creates an invoker and starts its workers.
func NewInvoker(sessions Sessions, transport Transport, cfg Config, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	inv := &Invoker{
		sessions:  sessions,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(chan trigger.Work, cfg.QueueSize),
		events:    make(chan Event, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		inv.workerWg.Add(1)
		go inv.worker()
	}
	return inv
}

// SetEvaluator wires the scheduler used for re-evaluation after settlements.
func (inv *Invoker) SetEvaluator(e Evaluator) {
	inv.evalMu.Lock()
	inv.evaluator = e
	inv.evalMu.Unlock()
}

// Events returns settled invocation events. Events are dropped when the
// buffer is full.
func (inv *Invoker) Events() <-chan Event { return inv.events }

// Dispatch enqueues work without waiting for the remote call.
func (inv *Invoker) Dispatch(w trigger.Work) {
	if inv.closed.Load() {
		inv.logger.Warn("Invoker closed, work left pending for recovery", "instance", w.Instance.String())
		return
	}
	select {
	case inv.jobs <- w:
		return
	default:
	}
	// Queue full. Hand off so the caller (possibly a worker) never blocks.
	inv.logger.Warn("Invoker queue full, deferring dispatch", "instance", w.Instance.String())
	go func() {
		select {
		case inv.jobs <- w:
		case <-inv.ctx.Done():
		}
	}()
}

// Recover re-dispatches PENDING work persisted before a restart.
func (inv *Invoker) Recover(ctx context.Context) (int, error) {
	eval := inv.currentEvaluator()
	if eval == nil {
		return 0, errors.New("recover: no evaluator configured")
	}
	ids, err := inv.sessions.PendingSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}
	total := 0
	for _, id := range ids {
		snap, err := inv.sessions.Read(ctx, id)
		if err != nil {
			inv.logger.Warn("Recover: failed to read session", "session_id", id, "error", err)
			continue
		}
		total += len(eval.Redispatch(snap))
	}
	if total > 0 {
		inv.logger.Info("Recovered pending agent invocations", "count", total, "sessions", len(ids))
	}
	return total, nil
}

// Stats returns a snapshot of counters.
func (inv *Invoker) Stats() Stats {
	return Stats{
		Workers:   inv.cfg.Workers,
		Queued:    len(inv.jobs),
		InFlight:  inv.inFlight.Load(),
		Succeeded: inv.succeeded.Load(),
		Failed:    inv.failed.Load(),
		Stale:     inv.stale.Load(),
	}
}

// Close stops the workers. In-flight calls are cancelled and their instances
// stay PENDING so Recover picks them up on the next start. Events is closed
// once every worker has returned.
func (inv *Invoker) Close() {
	if !inv.closed.CompareAndSwap(false, true) {
		return
	}
	inv.cancel()
	inv.workerWg.Wait()
	close(inv.events)
}

func (inv *Invoker) currentEvaluator() Evaluator {
	inv.evalMu.RLock()
	defer inv.evalMu.RUnlock()
	return inv.evaluator
}

func (inv *Invoker) worker() {
	defer inv.workerWg.Done()
	for {
		select {
		case <-inv.ctx.Done():
			return
		case w := <-inv.jobs:
			inv.process(w)
		}
	}
}

func (inv *Invoker) process(w trigger.Work) {
	inv.inFlight.Add(1)
	defer inv.inFlight.Add(-1)

	start := time.Now()
	result, callErr := inv.invoke(w)
	elapsed := time.Since(start)

	if inv.ctx.Err() != nil {
		inv.logger.Info("Invocation abandoned on shutdown", "instance", w.Instance.String())
		return
	}

	inv.settle(w, result, callErr, elapsed)
}

func (inv *Invoker) invoke(w trigger.Work) (map[string]any, error) {
	timeout := w.Registration.Timeout
	if timeout <= 0 {
		timeout = inv.cfg.DefaultTimeout
	}

	payload, err := json.Marshal(NewRequest(w))
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrAgentInvocation, err)
	}

	ctx, cancel := context.WithTimeout(inv.ctx, timeout)
	defer cancel()

	var body []byte
	err = shared.Retry(ctx, inv.cfg.Retry, IsTransient, func(attempt int) error {
		if attempt > 0 {
			inv.logger.Debug("Retrying agent call", "instance", w.Instance.String(), "attempt", attempt+1)
		}
		var callErr error
		body, callErr = inv.transport.Call(ctx, w.Registration.Endpoint, payload)
		return callErr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", domain.ErrAgentInvocation, timeout)
		}
		if errors.Is(err, domain.ErrAgentInvocation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentInvocation, err)
	}

	result, err := ParseResult(body)
	if err != nil {
		if errors.Is(err, domain.ErrAgentInvocation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentInvocation, err)
	}
	return result, nil
}

// settle merges the outcome if the instance is still the current PENDING one.
func (inv *Invoker) settle(w trigger.Work, result map[string]any, callErr error, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), inv.cfg.SettleTimeout)
	defer cancel()

	inst := w.Instance
	stale := false
	var merged domain.AgentState

	snap, err := inv.sessions.Mutate(ctx, inst.SessionID, func(s *domain.Session) error {
		stale = false
		st := s.Agent(inst.Agent)
		if st.Status != domain.AgentPending || st.TriggeredAt != inst.Generation {
			stale = true
			return session.ErrNoChange
		}
		st.SettledAt = s.Generation + 1
		st.UpdatedAt = time.Now().UTC()
		if callErr != nil {
			st.Status = domain.AgentFailed
			st.Error = callErr.Error()
			st.Result = nil
		} else {
			st.Status = domain.AgentSucceeded
			st.Error = ""
			st.Result = domain.CloneMap(result)
		}
		s.Agents[inst.Agent] = st
		merged = st
		return nil
	})
	if err != nil {
		inv.logger.Error("Failed to merge agent result",
			"instance", inst.String(),
			"error", err,
		)
		return
	}
	if stale {
		inv.stale.Add(1)
		inv.logger.Info("Dropped stale agent settlement", "instance", inst.String())
		return
	}

	if callErr != nil {
		inv.failed.Add(1)
		inv.logger.Warn("Agent invocation failed",
			"instance", inst.String(),
			"duration", elapsed,
			"error", callErr,
		)
	} else {
		inv.succeeded.Add(1)
		inv.logger.Info("Agent invocation succeeded",
			"instance", inst.String(),
			"duration", elapsed,
		)
	}

	inv.publish(Event{
		SessionID:   inst.SessionID,
		Agent:       inst.Agent,
		Status:      merged.Status,
		TriggeredAt: inst.Generation,
		Generation:  snap.Generation,
		Result:      merged.Result,
		Error:       merged.Error,
		DurationMS:  elapsed.Milliseconds(),
	})

	if eval := inv.currentEvaluator(); eval != nil {
		if _, err := eval.Evaluate(ctx, inst.SessionID); err != nil {
			inv.logger.Error("Re-evaluation after settlement failed", "session_id", inst.SessionID, "error", err)
		}
	}
}

func (inv *Invoker) publish(ev Event) {
	select {
	case inv.events <- ev:
	default:
		inv.logger.Debug("Event buffer full, dropping status event", "session_id", ev.SessionID, "agent", ev.Agent)
	}
}
