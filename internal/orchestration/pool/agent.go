// Package pool manages the bounded roster of named agents that workflows
// borrow for phase execution. Allocation is priority-then-FIFO; an agent
// belongs to at most one workflow at a time.
package pool

// State describes what an agent is currently doing.
type State string

const (
	// StateAvailable means the agent is idle and allocatable.
	StateAvailable State = "available"
	// StateBusy means the agent is allocated to a workflow.
	StateBusy State = "busy"
	// StateBenched means the agent is allocated but parked by its workflow
	// between phases. Benched agents still count against the busy total.
	StateBenched State = "benched"
)

// Agent is a snapshot of one roster member.
type Agent struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	WorkflowID string `json:"workflow_id,omitempty"`
	RoleID     string `json:"role_id,omitempty"`
	Retiring   bool   `json:"retiring,omitempty"`
}

// Status is a snapshot of the whole pool.
type Status struct {
	Total     int     `json:"total"`
	Available int     `json:"available"`
	Busy      int     `json:"busy"`
	Benched   int     `json:"benched"`
	Retiring  int     `json:"retiring"`
	Waiting   int     `json:"waiting"`
	Agents    []Agent `json:"agents"`
}

// rosterNames is the fixed naming sequence for pool slots. A pool of size n
// uses the first n names; resize extends or retires from the tail.
var rosterNames = [MaxSize]string{
	"Alex", "Betty", "Carol", "Dave", "Eve",
	"Frank", "Grace", "Henry", "Ivy", "Jack",
	"Kara", "Liam", "Mona", "Nate", "Olive",
	"Pete", "Quinn", "Rosa", "Sam", "Tina",
}
