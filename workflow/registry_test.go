package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorworks/forgefloor/core"
)

func simpleDSL() DSL {
	return DSL{
		Name:    "overheat-response",
		Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Next: []string{"done"}},
			{ID: "done", Type: NodeData},
		},
	}
}

func TestRegistry_CreateVersionStartsDraft(t *testing.T) {
	r := NewRegistry()
	version, err := r.CreateVersion("wf-1", "overheat", simpleDSL())
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	v, err := r.Version("wf-1", version)
	require.NoError(t, err)
	assert.Equal(t, VersionDraft, v.Status)
}

func TestRegistry_ActiveFailsBeforePublish(t *testing.T) {
	r := NewRegistry()
	r.CreateVersion("wf-1", "overheat", simpleDSL())
	_, err := r.Active("wf-1")
	assert.True(t, errors.Is(err, core.ErrNotActive))
}

func TestRegistry_PublishActivatesAndDemotesPrevious(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.CreateVersion("wf-1", "overheat", simpleDSL())
	require.NoError(t, r.Publish("wf-1", v1))

	wf, err := r.Active("wf-1")
	require.NoError(t, err)
	assert.Equal(t, v1, wf.Version)

	v2, _ := r.CreateVersion("wf-1", "overheat", simpleDSL())
	require.NoError(t, r.Publish("wf-1", v2))

	first, _ := r.Version("wf-1", v1)
	assert.Equal(t, VersionDeprecated, first.Status)

	wf, err = r.Active("wf-1")
	require.NoError(t, err)
	assert.Equal(t, v2, wf.Version)
}

func TestRegistry_RollbackReactivatesOlderVersion(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.CreateVersion("wf-1", "overheat", simpleDSL())
	r.Publish("wf-1", v1)
	v2, _ := r.CreateVersion("wf-1", "overheat", simpleDSL())
	r.Publish("wf-1", v2)

	require.NoError(t, r.Rollback("wf-1", v1))
	wf, err := r.Active("wf-1")
	require.NoError(t, err)
	assert.Equal(t, v1, wf.Version)
}

func TestRegistry_RollbackUnknownVersionFails(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.CreateVersion("wf-1", "overheat", simpleDSL())
	r.Publish("wf-1", v1)

	err := r.Rollback("wf-1", 99)
	assert.True(t, errors.Is(err, core.ErrVersionNotFound))
}

func TestRegistry_LockForReturnsSameMutexForSameInstance(t *testing.T) {
	r := NewRegistry()
	a := r.lockFor("inst-1")
	b := r.lockFor("inst-1")
	assert.Same(t, a, b)

	c := r.lockFor("inst-2")
	assert.NotSame(t, a, c)
}
