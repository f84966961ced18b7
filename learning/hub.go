package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/floorworks/forgefloor/core"
)

// Config configures a Hub via the teacher's functional-options
// convention.
type Config struct {
	Logger core.Logger
}

type Option func(*Config)

func WithHubLogger(l core.Logger) Option { return func(c *Config) { c.Logger = l } }

// Hub owns every PromptTemplate and its accumulated Feedback, and runs
// tune/tune_all/candidates against them. It is process-wide
// single-writer-multiple-reader, the same shared-resource policy as
// toolhub.Hub and ruledeploy.Hub.
type Hub struct {
	cfg Config

	mu        sync.RWMutex
	templates map[string]*PromptTemplate
	feedback  map[string][]Feedback
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	} else if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("forgefloor/learning")
	}
	return &Hub{
		cfg:       cfg,
		templates: make(map[string]*PromptTemplate),
		feedback:  make(map[string][]Feedback),
	}
}

// RegisterTemplate adds or replaces templateID's body. Existing
// exemplars are preserved if the template was already registered.
func (h *Hub) RegisterTemplate(templateID, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.templates[templateID]
	if !ok {
		h.templates[templateID] = &PromptTemplate{ID: templateID, Body: body, UpdatedAt: time.Now().UTC()}
		return
	}
	existing.Body = body
	existing.UpdatedAt = time.Now().UTC()
}

// RecordFeedback appends one rated sample to templateID's feedback log.
// Feedback accumulates independently of tuning; tune() decides later
// which of it becomes an exemplar.
func (h *Hub) RecordFeedback(fb Feedback) {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feedback[fb.TemplateID] = append(h.feedback[fb.TemplateID], fb)
}

// Template returns a copy of templateID's current state.
func (h *Hub) Template(templateID string) (PromptTemplate, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.templates[templateID]
	if !ok {
		return PromptTemplate{}, fmt.Errorf("template %s: %w", templateID, core.ErrVersionNotFound)
	}
	return cloneTemplate(t), nil
}

func cloneTemplate(t *PromptTemplate) PromptTemplate {
	out := *t
	out.Exemplars = append([]Exemplar(nil), t.Exemplars...)
	return out
}

// exemplarHash is the canonicalized content address for one feedback
// sample, the same sha256-of-canonical-fields convention as
// judgment.Key, so curation is stable regardless of map key order.
func exemplarHash(fb Feedback) string {
	h := sha256.New()
	h.Write([]byte(fb.TemplateID))
	h.Write([]byte{0})
	h.Write([]byte(fb.Input))
	h.Write([]byte{0})
	h.Write([]byte(fb.Output))
	return hex.EncodeToString(h.Sum(nil))
}

// qualifies reports whether fb passes params' rating/age filter.
func qualifies(fb Feedback, params TuneParams, now time.Time) bool {
	if fb.Rating < params.MinRating {
		return false
	}
	cutoff := now.AddDate(0, 0, -params.WindowDays)
	return !fb.CreatedAt.Before(cutoff)
}

// rankedCandidates returns fb entries for templateID that qualify under
// params and aren't already exemplars, deduped by exemplarHash and
// sorted by rating desc, highest first.
func (h *Hub) rankedCandidates(templateID string, params TuneParams, now time.Time) []Feedback {
	existing := map[string]bool{}
	if t, ok := h.templates[templateID]; ok {
		for _, ex := range t.Exemplars {
			existing[ex.Hash] = true
		}
	}

	seen := map[string]bool{}
	var out []Feedback
	for _, fb := range h.feedback[templateID] {
		if !qualifies(fb, params, now) {
			continue
		}
		hash := exemplarHash(fb)
		if existing[hash] || seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, fb)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Rating > out[j].Rating })
	return out
}
