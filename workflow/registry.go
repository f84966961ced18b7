package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/floorworks/forgefloor/core"
)

// workflowState is one workflow's version history, generalized from the
// teacher's active-workflow-row-plus-version-history shape.
type workflowState struct {
	workflow    Workflow
	versions    map[int]*WorkflowVersion
	nextVersion int
}

// Registry owns every Workflow and its version history, plus a
// per-instance lock table, per spec.md §5's "per-instance mutex keyed by
// instance id". It is process-wide single-writer-multiple-reader, the
// same shared-resource policy as toolhub.Hub and ruledeploy.Hub.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*workflowState

	instanceLocksMu sync.Mutex
	instanceLocks   map[string]*sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:     make(map[string]*workflowState),
		instanceLocks: make(map[string]*sync.Mutex),
	}
}

// CreateVersion registers a new draft WorkflowVersion for workflowID from
// dsl, validating and digesting it first.
func (r *Registry) CreateVersion(workflowID, name string, dsl DSL) (int, error) {
	if err := ValidateDSL(dsl); err != nil {
		return 0, err
	}
	digest, err := Digest(dsl)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.workflows[workflowID]
	if !ok {
		st = &workflowState{
			workflow:    Workflow{ID: workflowID, Name: name, Status: VersionDraft},
			versions:    make(map[int]*WorkflowVersion),
			nextVersion: 1,
		}
		r.workflows[workflowID] = st
	}

	version := st.nextVersion
	st.nextVersion++
	st.versions[version] = &WorkflowVersion{
		WorkflowID: workflowID,
		Version:    version,
		DSL:        dsl,
		Digest:     digest,
		Status:     VersionDraft,
		CreatedAt:  time.Now().UTC(),
	}
	return version, nil
}

// Publish flips version to active, demotes the previous active to
// deprecated, and copies its dsl into the live workflow record, per
// spec.md §3's "Publishing flips the previous active → deprecated and
// copies its dsl into the live workflow record."
func (r *Registry) Publish(workflowID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, core.ErrVersionNotFound)
	}
	target, ok := st.versions[version]
	if !ok {
		return fmt.Errorf("workflow %s version %d: %w", workflowID, version, core.ErrVersionNotFound)
	}

	for _, v := range st.versions {
		if v.Status == VersionActive {
			v.Status = VersionDeprecated
		}
	}
	target.Status = VersionActive

	st.workflow.Version = version
	st.workflow.DSL = target.DSL
	st.workflow.Digest = target.Digest
	st.workflow.Status = VersionActive
	return nil
}

// Rollback implements spec.md §4.1's rollback(workflow_id, target_version):
// loads target_version's dsl into the live workflow row. Fails with
// core.ErrVersionNotFound if target_version doesn't exist.
func (r *Registry) Rollback(workflowID string, targetVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, core.ErrVersionNotFound)
	}
	target, ok := st.versions[targetVersion]
	if !ok {
		return fmt.Errorf("workflow %s version %d: %w", workflowID, targetVersion, core.ErrVersionNotFound)
	}

	for _, v := range st.versions {
		if v.Status == VersionActive {
			v.Status = VersionDeprecated
		}
	}
	target.Status = VersionActive

	st.workflow.Version = targetVersion
	st.workflow.DSL = target.DSL
	st.workflow.Digest = target.Digest
	st.workflow.Status = VersionActive
	return nil
}

// Active returns the live Workflow record for workflowID. Fails with
// core.ErrNotActive if no version has ever been published.
func (r *Registry) Active(workflowID string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.workflows[workflowID]
	if !ok || st.workflow.Status != VersionActive {
		return Workflow{}, fmt.Errorf("workflow %s: %w", workflowID, core.ErrNotActive)
	}
	return st.workflow, nil
}

// Version returns a specific WorkflowVersion, or core.ErrVersionNotFound.
func (r *Registry) Version(workflowID string, version int) (WorkflowVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.workflows[workflowID]
	if !ok {
		return WorkflowVersion{}, core.ErrVersionNotFound
	}
	v, ok := st.versions[version]
	if !ok {
		return WorkflowVersion{}, core.ErrVersionNotFound
	}
	return *v, nil
}

// lockFor returns the per-instance mutex for instanceID, creating one on
// first use. Two workers can never concurrently advance the same
// instance, per spec.md §5's per-instance serialization guarantee.
func (r *Registry) lockFor(instanceID string) *sync.Mutex {
	r.instanceLocksMu.Lock()
	defer r.instanceLocksMu.Unlock()
	lock, ok := r.instanceLocks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		r.instanceLocks[instanceID] = lock
	}
	return lock
}
