// Package turn runs one conversational exchange against a session:
// extraction, context update, validation, trigger evaluation and reply.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/extract"
	"github.com/ashureev/ingestor-core/internal/session"
	"github.com/ashureev/ingestor-core/internal/trigger"
)

// State is a step of the per-turn state machine.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateExtracted        State = "EXTRACTED"
	StateContextUpdated   State = "CONTEXT_UPDATED"
	StateValidated        State = "VALIDATED"
	StateAgentsDispatched State = "AGENTS_DISPATCHED"
	StateResponded        State = "RESPONDED"
)

// DefaultExtractTimeout bounds the extractor when Config leaves it unset.
const DefaultExtractTimeout = 5 * time.Second

// Sessions is the subset of the session store a turn needs.
type Sessions interface {
	Read(ctx context.Context, id string) (*domain.Session, error)
	Mutate(ctx context.Context, id string, fn session.MutateFunc) (*domain.Session, error)
	AppendMessage(ctx context.Context, sessionID, sender, text string, meta map[string]any) error
}

// Scheduler claims agents made eligible by a mutation.
type Scheduler interface {
	Evaluate(ctx context.Context, sessionID string) ([]trigger.Instance, error)
}

// Validator checks fields and suggests what to ask next.
type Validator interface {
	ValidateField(field string, value any, ctx map[string]any) domain.Verdict
	SuggestNextAction(ctx map[string]any) string
}

// Result is the outcome of one turn.
type Result struct {
	SessionID           string                    `json:"session_id"`
	ResponseText        string                    `json:"response_text"`
	Intent              string                    `json:"intent"`
	Context             map[string]any            `json:"context"`
	ValidationStatus    map[string]domain.Verdict `json:"validation_status"`
	AgentsTriggered     []string                  `json:"agents_triggered"`
	NextSuggestedAction string                    `json:"next_suggested_action"`
	Generation          int64                     `json:"generation"`
}

// Config tunes a Processor.
type Config struct {
	ExtractTimeout time.Duration
	Responses      Responses
}

// Processor runs turns. It is safe for concurrent use; concurrency control
// lives in the session store.
type Processor struct {
	sessions  Sessions
	extractor extract.Extractor
	validator Validator
	scheduler Scheduler
	cfg       Config
	logger    *slog.Logger
}

// NewProcessor wires a turn processor.
func NewProcessor(sessions Sessions, extractor extract.Extractor, validator Validator, scheduler Scheduler, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if cfg.Responses.Intents == nil && cfg.Responses.Fallback == "" {
		cfg.Responses = DefaultResponses()
	}
	return &Processor{
		sessions:  sessions,
		extractor: extractor,
		validator: validator,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}
}

// Submit processes one user message. Only a missing session or a store
// failure is returned as an error; extractor and agent problems degrade into
// the result.
func (p *Processor) Submit(ctx context.Context, sessionID, text string) (*Result, error) {
	turnID := uuid.NewString()
	log := p.logger.With("session_id", sessionID, "turn_id", turnID)
	log.Debug("Turn state", "state", StateReceived)

	if _, err := p.sessions.Read(ctx, sessionID); err != nil {
		return nil, err
	}

	ext := p.extract(ctx, text, log)
	log.Debug("Turn state", "state", StateExtracted, "intent", ext.Intent, "fields", len(ext.Fields))

	verdicts, triggered, err := p.apply(ctx, sessionID, ext.Fields, log)
	if err != nil {
		return nil, err
	}
	log.Debug("Turn state", "state", StateAgentsDispatched, "agents", triggered)

	final, err := p.sessions.Read(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session after turn: %w", err)
	}

	res := &Result{
		SessionID:           sessionID,
		ResponseText:        p.cfg.Responses.Synthesize(ext.Intent, verdicts, final.SucceededResults()),
		Intent:              ext.Intent,
		Context:             final.Context,
		ValidationStatus:    verdicts,
		AgentsTriggered:     triggered,
		NextSuggestedAction: p.validator.SuggestNextAction(final.Context),
		Generation:          final.Generation,
	}

	p.record(ctx, sessionID, text, ext, res, log)
	log.Info("Turn processed",
		"state", StateResponded,
		"intent", res.Intent,
		"fields", len(verdicts),
		"agents_triggered", len(triggered),
		"generation", res.Generation,
	)
	return res, nil
}

// Seed applies initial data to a freshly created session with the same
// validation and trigger evaluation a turn performs, without transcript
// entries.
func (p *Processor) Seed(ctx context.Context, sessionID string, data map[string]any) (*domain.Session, []string, error) {
	log := p.logger.With("session_id", sessionID)
	_, triggered, err := p.apply(ctx, sessionID, data, log)
	if err != nil {
		return nil, nil, err
	}
	snap, err := p.sessions.Read(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return snap, triggered, nil
}

// extract runs the extractor under the turn timeout. A failing or slow
// extractor yields the unknown intent.
func (p *Processor) extract(ctx context.Context, text string, log *slog.Logger) extract.Extraction {
	if p.extractor == nil {
		return extract.Unknown()
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	type outcome struct {
		ext extract.Extraction
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ext, err := p.extractor.Extract(ctx, text)
		done <- outcome{ext, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			log.Warn("Extraction failed, falling back to unknown intent", "error", o.err)
			return extract.Unknown()
		}
		if o.ext.Intent == "" {
			o.ext.Intent = extract.IntentUnknown
		}
		if o.ext.Fields == nil {
			o.ext.Fields = map[string]any{}
		}
		return o.ext
	case <-ctx.Done():
		log.Warn("Extraction timed out, falling back to unknown intent", "timeout", p.cfg.ExtractTimeout)
		return extract.Unknown()
	}
}

// apply commits each field with its verdict in one mutation, then lets the
// scheduler claim whatever became eligible. Fields are applied in name order.
func (p *Processor) apply(ctx context.Context, sessionID string, fields map[string]any, log *slog.Logger) (map[string]domain.Verdict, []string, error) {
	verdicts := make(map[string]domain.Verdict, len(fields))
	triggered := []string{}

	for _, field := range sortedKeys(fields) {
		value := fields[field]
		var verdict domain.Verdict
		_, err := p.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
			s.Context[field] = value
			verdict = p.validator.ValidateField(field, value, s.Context)
			s.Validation[field] = verdict
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("apply field %s: %w", field, err)
		}
		verdicts[field] = verdict
		log.Debug("Turn state", "state", StateContextUpdated, "field", field)

		if p.scheduler == nil {
			continue
		}
		claimed, err := p.scheduler.Evaluate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, nil, err
			}
			log.Error("Trigger evaluation failed", "field", field, "error", err)
			continue
		}
		for _, inst := range claimed {
			triggered = append(triggered, inst.Agent)
		}
	}
	log.Debug("Turn state", "state", StateValidated, "fields", len(verdicts))
	return verdicts, triggered, nil
}

func (p *Processor) record(ctx context.Context, sessionID, text string, ext extract.Extraction, res *Result, log *slog.Logger) {
	userMeta := map[string]any{"intent": ext.Intent, "fields": ext.Fields}
	if err := p.sessions.AppendMessage(ctx, sessionID, domain.SenderUser, text, userMeta); err != nil {
		log.Warn("Failed to record user message", "error", err)
	}
	botMeta := map[string]any{
		"agents_triggered":      res.AgentsTriggered,
		"next_suggested_action": res.NextSuggestedAction,
		"generation":            res.Generation,
	}
	if err := p.sessions.AppendMessage(ctx, sessionID, domain.SenderBot, res.ResponseText, botMeta); err != nil {
		log.Warn("Failed to record bot message", "error", err)
	}
}
