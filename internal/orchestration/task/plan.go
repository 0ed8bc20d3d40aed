package task

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrDependencyCycle is returned when the plan's dependency graph has a cycle.
	ErrDependencyCycle = errors.New("dependency cycle in plan")
	// ErrUnknownDependency is returned when a task depends on an undeclared task.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateTask is returned when two plan lines declare the same task id.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// taskLine matches plan checklist entries of the form:
//
//	- [ ] sess1_T2: Description | deps: sess1_T1 | files: a.go,b.go | pipeline: unity
//
// The checkbox is "x" for tasks already completed. Fields after the
// description are optional and order-insensitive.
var taskLine = regexp.MustCompile(`^\s*- \[( |x|X)\] ([A-Za-z0-9][A-Za-z0-9-]*_T\d+):\s*(.+)$`)

// ParsePlanFile reads and parses the plan at path for the given session.
func ParsePlanFile(sessionID, path string) ([]*Task, error) {
	f, err := os.Open(path) //nolint:gosec // G304: plan path comes from the session layout
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParsePlan(sessionID, f)
}

// ParsePlan extracts the task checklist from a plan document. Lines that do
// not match the task format are prose and ignored. The returned tasks are in
// document order and the dependency graph is validated: every referenced
// dependency must exist and the graph must be acyclic.
func ParsePlan(sessionID string, r io.Reader) ([]*Task, error) {
	var tasks []*Task
	byID := make(map[string]*Task)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		m := taskLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		t, err := parseTaskLine(sessionID, m)
		if err != nil {
			return nil, fmt.Errorf("plan line %d: %w", lineNo, err)
		}
		if _, exists := byID[t.ID]; exists {
			return nil, fmt.Errorf("plan line %d: %w: %s", lineNo, ErrDuplicateTask, t.ID)
		}
		byID[t.ID] = t
		tasks = append(tasks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %s: %w: %s", t.ID, ErrUnknownDependency, dep)
			}
		}
	}
	if cycle := findCycle(tasks); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return tasks, nil
}

func parseTaskLine(sessionID string, m []string) (*Task, error) {
	t := &Task{
		ID:        m[2],
		SessionID: sessionID,
		Status:    StatusPending,
	}
	if m[1] != " " {
		t.Status = StatusCompleted
	}

	fields := strings.Split(m[3], "|")
	t.Description = strings.TrimSpace(fields[0])
	if t.Description == "" {
		return nil, fmt.Errorf("task %s has no description", t.ID)
	}
	for _, field := range fields[1:] {
		key, value, found := strings.Cut(strings.TrimSpace(field), ":")
		if !found {
			return nil, fmt.Errorf("task %s: malformed field %q", t.ID, strings.TrimSpace(field))
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "deps":
			t.DependsOn = splitList(value)
		case "files":
			t.Files = splitList(value)
		case "pipeline":
			t.Pipeline = value
		default:
			// Unrecognized fields are plan prose, not ours to police.
		}
	}
	return t, nil
}

func splitList(s string) []string {
	if s == "" || s == "-" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// findCycle runs Kahn's algorithm over the dependency graph and returns the
// ids left unprocessed (the cycle participants, sorted) or nil when acyclic.
func findCycle(tasks []*Task) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			if indegree[next]--; indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed == len(tasks) {
		return nil
	}
	var cycle []string
	for id, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}
