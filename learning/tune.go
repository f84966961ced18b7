package learning

import (
	"fmt"
	"time"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/telemetry"
)

// Tune implements spec.md §4.5's tune(prompt_template_id, {min_rating,
// window_days, max_exemplars}) → {added, total}. It is a non-mutating
// merge: previously stored exemplars are preserved, and an exemplar hash
// appears at most once per template (the invariant spec.md §4.5 names).
// Tuning is idempotent given a stable feedback set: a second call with
// the same params and no new feedback adds nothing, because every
// qualifying sample is already present by hash.
func (h *Hub) Tune(templateID string, params TuneParams) (TuneResult, error) {
	params = params.withDefaults()

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.templates[templateID]
	if !ok {
		return TuneResult{}, fmt.Errorf("template %s: %w", templateID, core.ErrVersionNotFound)
	}

	now := time.Now().UTC()
	candidates := h.rankedCandidates(templateID, params, now)

	room := params.MaxExemplars
	added := 0
	for _, fb := range candidates {
		if room <= 0 {
			break
		}
		t.Exemplars = append(t.Exemplars, Exemplar{
			Hash:      exemplarHash(fb),
			Input:     fb.Input,
			Output:    fb.Output,
			Rating:    fb.Rating,
			CreatedAt: now,
		})
		room--
		added++
	}
	if added > 0 {
		t.UpdatedAt = now
	}

	h.cfg.Logger.Info("tuned prompt template", map[string]interface{}{
		"operation":   "learning_tune",
		"template_id": templateID,
		"added":       added,
		"total":       len(t.Exemplars),
	})
	telemetry.Counter("learning.tune.exemplars_added", "template_id", templateID)

	return TuneResult{Added: added, Total: len(t.Exemplars)}, nil
}

// TuneAll implements spec.md §4.5's tune_all({filter}) → per-template
// summary. filter, if non-empty, restricts tuning to the named template
// ids; an empty filter tunes every registered template.
func (h *Hub) TuneAll(params TuneParams, filter []string) map[string]TuneResult {
	h.mu.RLock()
	var ids []string
	if len(filter) > 0 {
		ids = filter
	} else {
		for id := range h.templates {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	results := make(map[string]TuneResult, len(ids))
	for _, id := range ids {
		result, err := h.Tune(id, params)
		if err != nil {
			continue
		}
		results[id] = result
	}
	return results
}

// Candidates implements spec.md §4.5's candidates(prompt_template_id) →
// preview[]: every feedback sample not yet stored as an exemplar that is
// within DefaultWindowDays (MinRating 0), ranked by rating desc, without
// mutating any template. The list is not capped at MaxExemplars, so it can
// be longer than what one tune() call adds; callers that want a narrower
// preview should filter the result themselves.
func (h *Hub) Candidates(templateID string) ([]Feedback, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.templates[templateID]; !ok {
		return nil, fmt.Errorf("template %s: %w", templateID, core.ErrVersionNotFound)
	}

	params := TuneParams{}.withDefaults()
	return h.rankedCandidates(templateID, params, time.Now().UTC()), nil
}
