package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/session"
)

// Instance is the de-duplication key of one invocation: an agent claimed
// against the snapshot at Generation.
type Instance struct {
	SessionID  string `json:"session_id"`
	Generation int64  `json:"generation"`
	Agent      string `json:"agent"`
}

func (i Instance) String() string {
	return fmt.Sprintf("%s/%d/%s", i.SessionID, i.Generation, i.Agent)
}

// Work is handed to the Dispatcher for every claimed instance.
type Work struct {
	Instance     Instance
	Registration Registration
	Role         domain.Role
	// Context is the session context the predicate was evaluated against.
	Context map[string]any
	// Results holds results of agents that had already succeeded.
	Results map[string]map[string]any
}

// Dispatcher runs claimed work asynchronously. Dispatch must not block on the
// remote call.
type Dispatcher interface {
	Dispatch(w Work)
}

// Mutator is the subset of the session store the scheduler needs.
type Mutator interface {
	Mutate(ctx context.Context, id string, fn session.MutateFunc) (*domain.Session, error)
}

// Policy controls whether FAILED agents may be triggered again.
type Policy struct {
	// RetryFailed re-arms a FAILED agent once the session generation has moved
	// past its settlement. FAILED is terminal when false.
	RetryFailed bool
	// MaxAttempts caps claims per agent per session when RetryFailed is set.
	// Zero means unlimited.
	MaxAttempts int
}

// Scheduler evaluates trigger predicates after mutations and claims eligible
// agents as PENDING inside the same atomic mutation as the check.
type Scheduler struct {
	store      Mutator
	registry   *Registry
	dispatcher Dispatcher
	policy     Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler wires a scheduler. dispatcher may be nil in tests that only
// observe claims.
func NewScheduler(store Mutator, registry *Registry, dispatcher Dispatcher, policy Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// Registry returns the agent registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Evaluate claims every agent whose predicate holds on the current snapshot
// and dispatches the claimed work. The returned instances are the agents that
// moved to PENDING in this call.
func (s *Scheduler) Evaluate(ctx context.Context, sessionID string) ([]Instance, error) {
	return s.evaluate(ctx, sessionID, nil)
}

// Retry explicitly re-arms a FAILED agent and re-evaluates the session. It
// returns domain.ErrNotRetryable when the agent is not FAILED.
func (s *Scheduler) Retry(ctx context.Context, sessionID, agent string) ([]Instance, error) {
	if _, ok := s.registry.Get(agent); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agent)
	}
	return s.evaluate(ctx, sessionID, func(snap *domain.Session) error {
		st := snap.Agent(agent)
		if st.Status != domain.AgentFailed {
			return fmt.Errorf("%w: %s is %s", domain.ErrNotRetryable, agent, st.Status)
		}
		st.Status = domain.AgentNotTriggered
		st.UpdatedAt = s.now().UTC()
		snap.Agents[agent] = st
		return nil
	})
}

func (s *Scheduler) evaluate(ctx context.Context, sessionID string, prepare func(*domain.Session) error) ([]Instance, error) {
	var claimed []Instance
	committed, err := s.store.Mutate(ctx, sessionID, func(snap *domain.Session) error {
		claimed = claimed[:0]
		prepared := false
		if prepare != nil {
			if err := prepare(snap); err != nil {
				return err
			}
			prepared = true
		}

		g := snap.Generation
		var ready []Registration
		for _, reg := range s.registry.regs {
			if s.eligible(snap.Agent(reg.Name), g) && reg.Trigger.Eval(snap) {
				ready = append(ready, reg)
			}
		}
		if len(ready) == 0 && !prepared {
			return session.ErrNoChange
		}

		now := s.now().UTC()
		for _, reg := range ready {
			prev := snap.Agent(reg.Name)
			snap.Agents[reg.Name] = domain.AgentState{
				Status:      domain.AgentPending,
				TriggeredAt: g,
				Attempts:    prev.Attempts + 1,
				UpdatedAt:   now,
			}
			claimed = append(claimed, Instance{SessionID: sessionID, Generation: g, Agent: reg.Name})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrNotRetryable) {
			return nil, err
		}
		return nil, fmt.Errorf("evaluate triggers: %w", err)
	}

	if len(claimed) == 0 {
		return nil, nil
	}
	out := append([]Instance(nil), claimed...)
	for _, inst := range out {
		s.logger.Info("Agent triggered",
			"session_id", inst.SessionID,
			"agent", inst.Agent,
			"generation", inst.Generation,
		)
		s.dispatch(inst, committed)
	}
	return out, nil
}

// eligible reports whether an agent in state st may be claimed at generation g.
func (s *Scheduler) eligible(st domain.AgentState, g int64) bool {
	switch st.Status {
	case domain.AgentNotTriggered:
		return true
	case domain.AgentFailed:
		if !s.policy.RetryFailed || g <= st.SettledAt {
			return false
		}
		return s.policy.MaxAttempts <= 0 || st.Attempts < s.policy.MaxAttempts
	}
	return false
}

// Redispatch hands already-PENDING work to the dispatcher again, used when
// recovering in-flight invocations after a restart.
func (s *Scheduler) Redispatch(snap *domain.Session) []Instance {
	var out []Instance
	for _, reg := range s.registry.regs {
		st := snap.Agent(reg.Name)
		if st.Status != domain.AgentPending {
			continue
		}
		inst := Instance{SessionID: snap.ID, Generation: st.TriggeredAt, Agent: reg.Name}
		s.dispatch(inst, snap)
		out = append(out, inst)
	}
	return out
}

func (s *Scheduler) dispatch(inst Instance, snap *domain.Session) {
	if s.dispatcher == nil {
		return
	}
	reg, _ := s.registry.Get(inst.Agent)
	s.dispatcher.Dispatch(Work{
		Instance:     inst,
		Registration: reg,
		Role:         snap.Role,
		Context:      domain.CloneMap(snap.Context),
		Results:      snap.SucceededResults(),
	})
}
