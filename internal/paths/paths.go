// Package paths resolves the on-disk layout of coordinator state. Each
// session owns a folder with its plan, plan backups, workflow logs, agent
// transcripts, and resumable workflow state files.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Layout resolves paths under a data directory.
//
//	<data>/sessions/<session-id>/
//	    plan.md
//	    backups/plan_backup_<ts>.md
//	    logs/<workflow-id>.log
//	    logs/agents/<workflow-id>_<agent>.log
//	    workflows/<workflow-id>.state.json
type Layout struct {
	DataDir string
}

// DefaultDataDir returns ~/.apc, or a relative fallback when the home
// directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".apc"
	}
	return filepath.Join(home, ".apc")
}

// SessionsDir returns the directory containing all session folders.
func (l Layout) SessionsDir() string {
	return filepath.Join(l.DataDir, "sessions")
}

// SessionDir returns a session's folder.
func (l Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.SessionsDir(), sessionID)
}

// PlanPath returns the session's active plan file.
func (l Layout) PlanPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "plan.md")
}

// BackupsDir returns the session's plan backup directory.
func (l Layout) BackupsDir(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "backups")
}

// PlanBackupPath returns a timestamped backup path for the session's plan.
func (l Layout) PlanBackupPath(sessionID string, at time.Time) string {
	name := fmt.Sprintf("plan_backup_%s.md", at.Format("20060102T150405"))
	return filepath.Join(l.BackupsDir(sessionID), name)
}

// LogsDir returns the session's workflow log directory.
func (l Layout) LogsDir(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "logs")
}

// WorkflowLogPath returns a workflow's append-only log file.
func (l Layout) WorkflowLogPath(sessionID, workflowID string) string {
	return filepath.Join(l.LogsDir(sessionID), workflowID+".log")
}

// AgentLogsDir returns the session's agent transcript directory.
func (l Layout) AgentLogsDir(sessionID string) string {
	return filepath.Join(l.LogsDir(sessionID), "agents")
}

// AgentLogPath returns an agent's transcript for one workflow.
func (l Layout) AgentLogPath(sessionID, workflowID, agent string) string {
	return filepath.Join(l.AgentLogsDir(sessionID), workflowID+"_"+agent+".log")
}

// WorkflowsDir returns the session's workflow state directory.
func (l Layout) WorkflowsDir(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "workflows")
}

// WorkflowStatePath returns a workflow's resumable state file.
func (l Layout) WorkflowStatePath(sessionID, workflowID string) string {
	return filepath.Join(l.WorkflowsDir(sessionID), workflowID+".state.json")
}

// DBPath returns the session index database file.
func (l Layout) DBPath() string {
	return filepath.Join(l.DataDir, "apc.db")
}

// EnsureSessionDirs creates a session's folder tree.
func (l Layout) EnsureSessionDirs(sessionID string) error {
	for _, dir := range []string{
		l.SessionDir(sessionID),
		l.BackupsDir(sessionID),
		l.LogsDir(sessionID),
		l.AgentLogsDir(sessionID),
		l.WorkflowsDir(sessionID),
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
