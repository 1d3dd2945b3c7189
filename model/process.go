// Package model holds the data types shared by the process orchestration
// engine: the Process record, its journal entries, and the remote-observed
// Negotiation/Transfer/Catalog shapes the engine reconciles against.
package model

import "time"

// ProcessState is the lifecycle state of a Process.
type ProcessState string

const (
	StateCreated    ProcessState = "CREATED"
	StateRunning    ProcessState = "RUNNING"
	StateNegotiated ProcessState = "NEGOTIATED"
	StateCompleted  ProcessState = "COMPLETED"
	StateFailed     ProcessState = "FAILED"
	StateTerminated ProcessState = "TERMINATED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ProcessState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTerminated
}

// forwardTransitions is the monotonic happy-path chain. TERMINATED is
// reachable from any non-terminal state and is handled separately in
// CanTransitionTo rather than listed here for every source state.
var forwardTransitions = map[ProcessState][]ProcessState{
	StateCreated:    {StateRunning},
	StateRunning:    {StateNegotiated, StateFailed},
	StateNegotiated: {StateCompleted, StateFailed},
}

// CanTransitionTo reports whether the process may move from s to target.
// TERMINATED may be entered from any non-terminal state at any time; all
// other transitions must follow the CREATED -> RUNNING -> NEGOTIATED ->
// COMPLETED chain, with FAILED reachable from RUNNING and NEGOTIATED.
func (s ProcessState) CanTransitionTo(target ProcessState) bool {
	if target == StateTerminated {
		return !s.IsTerminal()
	}
	for _, allowed := range forwardTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// HistoryEntry is one event in a process's journal: the id of the remote
// object it pertains to (a negotiation id, a transfer id, or a process
// step name), a short status label, and the timestamps the journal
// maintains on its behalf.
type HistoryEntry struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Started int64  `json:"started"` // epoch ms, preserved across appends
	Updated int64  `json:"updated"` // epoch ms, set on every append
}

// JobHistory tracks the history entries recorded for one registry search-id
// across the DTR endpoints it fanned out to. The Entries map is replaced
// wholesale on every mutation (copy-on-write) so a reader holding a prior
// *JobHistory never observes a partially-written map.
type JobHistory struct {
	SearchID string                   `json:"searchId"`
	Entries  map[string]*HistoryEntry `json:"entries"` // endpointId -> entry
}

// Process is the unit of work the engine owns.
type Process struct {
	ID         string                   `json:"id"`
	State      ProcessState             `json:"state"`
	CreatedAt  int64                    `json:"createdAt"`
	ModifiedAt int64                    `json:"modifiedAt"`
	Endpoint   string                   `json:"endpoint"`
	BPN        string                   `json:"bpn"`
	Jobs       map[string]*JobHistory   `json:"jobs,omitempty"`
	History    map[string]*HistoryEntry `json:"history,omitempty"`

	// TreeState/Children are opaque to the engine; they exist purely so the
	// tree-navigation feature (out of scope here) has somewhere to persist
	// its bookkeeping without a schema migration.
	TreeState string   `json:"treeState,omitempty"`
	Children  []string `json:"children,omitempty"`
}

// Clone returns a deep copy so callers can't mutate engine-owned state
// through a returned Process.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	cp := *p
	if p.History != nil {
		cp.History = make(map[string]*HistoryEntry, len(p.History))
		for k, v := range p.History {
			entry := *v
			cp.History[k] = &entry
		}
	}
	if p.Jobs != nil {
		cp.Jobs = make(map[string]*JobHistory, len(p.Jobs))
		for k, v := range p.Jobs {
			jh := JobHistory{SearchID: v.SearchID}
			if v.Entries != nil {
				jh.Entries = make(map[string]*HistoryEntry, len(v.Entries))
				for ek, ev := range v.Entries {
					entry := *ev
					jh.Entries[ek] = &entry
				}
			}
			cp.Jobs[k] = &jh
		}
	}
	if p.Children != nil {
		cp.Children = append([]string(nil), p.Children...)
	}
	return &cp
}

// NowMillis returns the current wall-clock instant in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
