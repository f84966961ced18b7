package learning

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorworks/forgefloor/core"
)

func fixtureHub() *Hub {
	h := New()
	h.RegisterTemplate("overheat-judgment", "base prompt body")
	return h
}

func TestTune_AddsTopRatedCandidatesUpToMax(t *testing.T) {
	h := fixtureHub()
	now := time.Now().UTC()
	h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: "a", Output: "critical", Rating: 0.9, CreatedAt: now})
	h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: "b", Output: "critical", Rating: 0.95, CreatedAt: now})
	h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: "c", Output: "warning", Rating: 0.5, CreatedAt: now})

	result, err := h.Tune("overheat-judgment", TuneParams{MinRating: 0.8, MaxExemplars: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 2, result.Total)

	template, err := h.Template("overheat-judgment")
	require.NoError(t, err)
	require.Len(t, template.Exemplars, 2)
	assert.Equal(t, "b", template.Exemplars[0].Input) // higher rating ranks first
}

func TestTune_RespectsMaxExemplars(t *testing.T) {
	h := fixtureHub()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: string(rune('a' + i)), Output: "critical", Rating: 0.9, CreatedAt: now})
	}

	result, err := h.Tune("overheat-judgment", TuneParams{MinRating: 0.5, MaxExemplars: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 2, result.Total)
}

func TestTune_ExcludesStaleFeedback(t *testing.T) {
	h := fixtureHub()
	stale := time.Now().UTC().AddDate(0, 0, -60)
	h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: "old", Output: "critical", Rating: 0.9, CreatedAt: stale})

	result, err := h.Tune("overheat-judgment", TuneParams{MinRating: 0.5, WindowDays: 30, MaxExemplars: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)
}

func TestTune_IsIdempotentGivenStableFeedbackSet(t *testing.T) {
	h := fixtureHub()
	now := time.Now().UTC()
	h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: "a", Output: "critical", Rating: 0.9, CreatedAt: now})

	params := TuneParams{MinRating: 0.5, MaxExemplars: 5}
	first, err := h.Tune("overheat-judgment", params)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)

	second, err := h.Tune("overheat-judgment", params)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 1, second.Total)
}

func TestTune_UnknownTemplateFails(t *testing.T) {
	h := New()
	_, err := h.Tune("missing", TuneParams{})
	assert.True(t, errors.Is(err, core.ErrVersionNotFound))
}

func TestTuneAll_TunesEveryRegisteredTemplateWhenFilterEmpty(t *testing.T) {
	h := New()
	h.RegisterTemplate("a", "body a")
	h.RegisterTemplate("b", "body b")
	now := time.Now().UTC()
	h.RecordFeedback(Feedback{TemplateID: "a", Input: "x", Output: "y", Rating: 0.9, CreatedAt: now})
	h.RecordFeedback(Feedback{TemplateID: "b", Input: "x", Output: "y", Rating: 0.9, CreatedAt: now})

	results := h.TuneAll(TuneParams{MinRating: 0.5, MaxExemplars: 5}, nil)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results["a"].Added)
	assert.Equal(t, 1, results["b"].Added)
}

func TestTuneAll_FilterRestrictsToNamedTemplates(t *testing.T) {
	h := New()
	h.RegisterTemplate("a", "body a")
	h.RegisterTemplate("b", "body b")
	now := time.Now().UTC()
	h.RecordFeedback(Feedback{TemplateID: "a", Input: "x", Output: "y", Rating: 0.9, CreatedAt: now})

	results := h.TuneAll(TuneParams{MinRating: 0.5, MaxExemplars: 5}, []string{"a"})
	require.Len(t, results, 1)
	_, ok := results["b"]
	assert.False(t, ok)
}

func TestCandidates_PreviewsWithoutMutating(t *testing.T) {
	h := fixtureHub()
	now := time.Now().UTC()
	h.RecordFeedback(Feedback{TemplateID: "overheat-judgment", Input: "a", Output: "critical", Rating: 0.9, CreatedAt: now})

	preview, err := h.Candidates("overheat-judgment")
	require.NoError(t, err)
	require.Len(t, preview, 1)

	template, err := h.Template("overheat-judgment")
	require.NoError(t, err)
	assert.Empty(t, template.Exemplars)
}

func TestExemplarHash_SameContentSameHash(t *testing.T) {
	a := Feedback{TemplateID: "t", Input: "x", Output: "y"}
	b := Feedback{TemplateID: "t", Input: "x", Output: "y", Rating: 0.2}
	assert.Equal(t, exemplarHash(a), exemplarHash(b))
}
