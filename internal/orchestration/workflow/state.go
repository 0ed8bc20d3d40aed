package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

// PersistedState is the on-disk form of a workflow, written at every phase
// boundary and status change. After a crash the coordinator reconstructs the
// workflow from it in the paused state.
type PersistedState struct {
	ID           ID             `json:"id"`
	Type         string         `json:"type"`
	SessionID    string         `json:"session_id"`
	Priority     int            `json:"priority"`
	Status       Status         `json:"status"`
	PhaseIndex   int            `json:"phase_index"`
	PhaseName    string         `json:"phase_name,omitempty"`
	Input        Input          `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Occupancy    *occupancyDecl `json:"occupancy,omitempty"`
	Continuation *Continuation  `json:"continuation,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// persist writes the workflow's state file. Failures are logged, not
// returned: a missed snapshot degrades recovery, it does not stop the run.
func (rt *Runtime) persist() {
	rt.mu.Lock()
	st := PersistedState{
		ID:           rt.id,
		Type:         rt.def.Type(),
		SessionID:    rt.sessionID,
		Priority:     rt.priority,
		Status:       rt.status,
		PhaseIndex:   rt.phaseIdx,
		Input:        rt.input,
		Occupancy:    rt.lastOcc,
		Continuation: rt.continuation,
		UpdatedAt:    time.Now(),
	}
	if rt.phaseIdx < len(rt.phases) {
		st.PhaseName = rt.phases[rt.phaseIdx].Name
	}
	if len(rt.output) > 0 {
		st.Output = make(map[string]any, len(rt.output))
		for k, v := range rt.output {
			st.Output[k] = v
		}
	}
	rt.mu.Unlock()

	path := rt.svc.Layout.WorkflowStatePath(rt.sessionID, rt.id.String())
	if err := WriteStateFile(path, st); err != nil {
		log.Warn(log.CatWF, "state persist failed", "workflow", rt.id, "err", err)
	}
}

// WriteStateFile writes st to path atomically: the JSON goes to a temp file
// in the same directory, then a rename replaces the old state in one step.
func WriteStateFile(path string, st PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// LoadStateFile reads a persisted workflow state.
func LoadStateFile(path string) (PersistedState, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the session layout
	if err != nil {
		return PersistedState{}, err
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return PersistedState{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return st, nil
}

// RemoveStateFile deletes a workflow's state file, ignoring absence.
func RemoveStateFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RestoreContinuation seeds the runtime with a previously captured
// continuation, used when reconstructing a workflow after a restart.
func (rt *Runtime) RestoreContinuation(c *Continuation) {
	rt.mu.Lock()
	rt.continuation = c
	rt.mu.Unlock()
}

// RestoreOutput seeds the output document from a persisted state, used when
// reconstructing a workflow after a restart.
func (rt *Runtime) RestoreOutput(out map[string]any) {
	rt.mu.Lock()
	for k, v := range out {
		rt.output[k] = v
	}
	rt.mu.Unlock()
}

// RestoreOccupancy seeds the remembered occupancy claim so resume reacquires
// it, used when reconstructing a workflow after a restart.
func (rt *Runtime) RestoreOccupancy(decl *occupancyDecl) {
	if decl == nil || len(decl.TaskIDs) == 0 {
		return
	}
	rt.mu.Lock()
	rt.lastOcc = decl
	rt.mu.Unlock()
}
