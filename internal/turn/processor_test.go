package turn

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/extract"
	"github.com/ashureev/ingestor-core/internal/session"
	"github.com/ashureev/ingestor-core/internal/store"
	"github.com/ashureev/ingestor-core/internal/trigger"
	"github.com/ashureev/ingestor-core/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(trigger.Work) {}

// fieldExtractor reads "name=value" pairs separated by spaces.
var fieldExtractor = extract.ExtractorFunc(func(_ context.Context, text string) (extract.Extraction, error) {
	out := extract.Extraction{Intent: "company_info", Fields: map[string]any{}}
	for _, pair := range strings.Fields(text) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out.Fields[k] = v
		}
	}
	return out, nil
})

type harness struct {
	sessions *session.Store
	proc     *Processor
}

func newHarness(t *testing.T, ex extract.Extractor, cfg Config) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "turn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	sessions := session.NewStore(repo)

	engine, err := validation.NewEngine(validation.Rules{
		Fields: map[string]validation.FieldRule{
			"company_name": {Type: validation.TypeString, MinLength: 2},
		},
		Steps: []validation.StepRule{
			{Name: "company", Required: []string{"company_name", "industry"}},
		},
	})
	require.NoError(t, err)

	b := trigger.NewBuilder()
	require.NoError(t, b.Register(trigger.Registration{
		Name:     "market_analyzer",
		Trigger:  trigger.AllOf(trigger.Fields("company_name", "industry")...),
		Endpoint: "http://analyzer",
	}))
	reg, err := b.Build()
	require.NoError(t, err)
	sched := trigger.NewScheduler(sessions, reg, nopDispatcher{}, trigger.Policy{}, nil)

	return &harness{sessions: sessions, proc: NewProcessor(sessions, ex, engine, sched, cfg, nil)}
}

func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	sess, err := h.sessions.Create(context.Background(), domain.RoleUser)
	require.NoError(t, err)
	return sess.ID
}

func TestSubmitAppliesValidatesAndTriggers(t *testing.T) {
	h := newHarness(t, fieldExtractor, Config{})
	ctx := context.Background()
	id := h.newSession(t)

	res, err := h.proc.Submit(ctx, id, "company_name=A")
	require.NoError(t, err)
	assert.Equal(t, "company_info", res.Intent)
	assert.Equal(t, "A", res.Context["company_name"])
	assert.False(t, res.ValidationStatus["company_name"].Valid)
	assert.Contains(t, res.ResponseText, "Please check company_name")
	assert.Empty(t, res.AgentsTriggered)
	assert.Equal(t, "Please provide information about: industry", res.NextSuggestedAction)
	assert.Equal(t, int64(1), res.Generation)

	res, err = h.proc.Submit(ctx, id, "company_name=Acme industry=retail")
	require.NoError(t, err)
	assert.True(t, res.ValidationStatus["company_name"].Valid)
	assert.Equal(t, []string{"market_analyzer"}, res.AgentsTriggered)
	assert.Equal(t, validation.ActionComplete, res.NextSuggestedAction)
	// two field mutations plus the claim
	assert.Equal(t, int64(4), res.Generation)

	snap, err := h.sessions.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPending, snap.Agent("market_analyzer").Status)
	assert.True(t, snap.Validation["company_name"].Valid)

	msgs, err := h.sessions.Messages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
	assert.Equal(t, domain.SenderBot, msgs[1].Sender)
	assert.Equal(t, res.ResponseText, msgs[3].Text)
}

func TestSubmitUnknownSession(t *testing.T) {
	h := newHarness(t, fieldExtractor, Config{})
	_, err := h.proc.Submit(context.Background(), "missing", "company_name=Acme")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentTurnsKeepEveryField(t *testing.T) {
	h := newHarness(t, fieldExtractor, Config{})
	ctx := context.Background()
	id := h.newSession(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, text := range []string{"company_name=Acme", "industry=retail"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := h.proc.Submit(ctx, id, text)
			errs <- err
		}(text)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := h.sessions.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Acme", snap.Context["company_name"])
	assert.Equal(t, "retail", snap.Context["industry"])
	// exactly one of the turns claims the analyzer
	assert.Equal(t, domain.AgentPending, snap.Agent("market_analyzer").Status)
	assert.Equal(t, 1, snap.Agent("market_analyzer").Attempts)
}

func TestExtractorFailureDegradesToUnknown(t *testing.T) {
	failing := extract.ExtractorFunc(func(context.Context, string) (extract.Extraction, error) {
		return extract.Extraction{}, errors.New("model unavailable")
	})
	h := newHarness(t, failing, Config{})
	id := h.newSession(t)

	res, err := h.proc.Submit(context.Background(), id, "hello")
	require.NoError(t, err)
	assert.Equal(t, extract.IntentUnknown, res.Intent)
	assert.Empty(t, res.ValidationStatus)
	assert.Equal(t, defaultFallback, res.ResponseText)
	assert.Equal(t, int64(0), res.Generation)
}

func TestExtractorTimeoutDegradesToUnknown(t *testing.T) {
	blocking := extract.ExtractorFunc(func(ctx context.Context, _ string) (extract.Extraction, error) {
		// ignores ctx on purpose
		time.Sleep(time.Second)
		return extract.Extraction{Intent: "company_info", Fields: map[string]any{"company_name": "Late"}}, nil
	})
	h := newHarness(t, blocking, Config{ExtractTimeout: 20 * time.Millisecond})
	id := h.newSession(t)

	start := time.Now()
	res, err := h.proc.Submit(context.Background(), id, "anything")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, extract.IntentUnknown, res.Intent)
	assert.NotContains(t, res.Context, "company_name")
}

func TestSeedAppliesInitialData(t *testing.T) {
	h := newHarness(t, nil, Config{})
	id := h.newSession(t)

	snap, triggered, err := h.proc.Seed(context.Background(), id, map[string]any{"company_name": "Acme", "industry": "retail"})
	require.NoError(t, err)
	assert.Equal(t, []string{"market_analyzer"}, triggered)
	assert.Equal(t, "Acme", snap.Context["company_name"])
	assert.True(t, snap.Validation["company_name"].Valid)

	msgs, err := h.sessions.Messages(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSynthesize(t *testing.T) {
	r := DefaultResponses()
	verdicts := map[string]domain.Verdict{
		"b": {Valid: false, Message: "text must be at least 2 characters"},
		"a": {Valid: false, Message: "field must be of type number"},
		"c": {Valid: true, Message: "field is valid"},
	}
	results := map[string]map[string]any{"market_predictor": {}, "market_analyzer": {}}

	got := r.Synthesize("company_info", verdicts, results)
	assert.Equal(t, r.Intents["company_info"]+
		" Please check a: field must be of type number."+
		" Please check b: text must be at least 2 characters."+
		" Analysis results are available from: market_analyzer, market_predictor.", got)
	assert.Equal(t, got, r.Synthesize("company_info", verdicts, results))
	assert.Equal(t, defaultFallback, r.Synthesize("other", nil, nil))
	assert.Equal(t, defaultFallback, Responses{}.Synthesize("x", nil, nil))
}
