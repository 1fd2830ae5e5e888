package session

import (
	"context"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// GeneralCategory is the ratio of non-null fields across the whole context.
const GeneralCategory = "general"

// Completion returns per-category fill ratios for a session. Results are
// cached per generation and recomputed whenever the session has moved on.
func (s *Store) Completion(ctx context.Context, id string) (map[string]float64, error) {
	sess, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	s.completionMu.Lock()
	defer s.completionMu.Unlock()

	if entry, ok := s.completion[id]; ok && entry.generation == sess.Generation {
		return copyRatios(entry.ratios), nil
	}

	ratios := ComputeCompletion(sess, s.steps)
	s.completion[id] = completionEntry{generation: sess.Generation, ratios: ratios}
	return copyRatios(ratios), nil
}

// ComputeCompletion derives completion ratios from a snapshot.
func ComputeCompletion(sess *domain.Session, steps []Step) map[string]float64 {
	ratios := make(map[string]float64, len(steps)+1)

	filled := 0
	for _, v := range sess.Context {
		if v != nil {
			filled++
		}
	}
	if total := len(sess.Context); total > 0 {
		ratios[GeneralCategory] = float64(filled) / float64(total)
	} else {
		ratios[GeneralCategory] = 0
	}

	for _, step := range steps {
		if len(step.Required) == 0 {
			ratios[step.Name] = 1
			continue
		}
		present := 0
		for _, field := range step.Required {
			if sess.HasField(field) {
				present++
			}
		}
		ratios[step.Name] = float64(present) / float64(len(step.Required))
	}
	return ratios
}

func copyRatios(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
