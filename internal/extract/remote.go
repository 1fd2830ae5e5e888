package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// Caller is the transport used to reach a remote extractor. agent.Router
// satisfies it.
type Caller interface {
	Call(ctx context.Context, endpoint string, payload []byte) ([]byte, error)
}

// Remote delegates extraction to a service that accepts {"text": ...} and
// answers {"intent": ..., "fields": {...}}.
type Remote struct {
	caller   Caller
	endpoint string
}

// NewRemote creates a remote extractor.
func NewRemote(caller Caller, endpoint string) *Remote {
	return &Remote{caller: caller, endpoint: endpoint}
}

// Extract implements Extractor.
func (r *Remote) Extract(ctx context.Context, text string) (Extraction, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: encode request: %v", domain.ErrExtraction, err)
	}
	body, err := r.caller.Call(ctx, r.endpoint, payload)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", domain.ErrExtraction, err)
	}
	var out Extraction
	if err := json.Unmarshal(body, &out); err != nil {
		return Extraction{}, fmt.Errorf("%w: decode response: %v", domain.ErrExtraction, err)
	}
	return normalize(out), nil
}
