package supervisor

import "time"

type EventKind string

const (
	EventSpawn  EventKind = "spawn"
	EventExit   EventKind = "exit"
	EventReload EventKind = "reload"
	EventKill   EventKind = "kill"
)

// Event is one lifecycle change of a worker or pool.
type Event struct {
	Kind EventKind
	Pool string
	Slot int
	PID  int
	// Status is the exit status for EventExit.
	Status int
	// Uptime is how long the process ran, for EventExit.
	Uptime time.Duration
	At     time.Time
}

// Snapshot is a point-in-time copy of the supervisor state.
type Snapshot struct {
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Force     bool           `json:"force"`
	Pending   int            `json:"reload_pending"`
	Reloading int            `json:"reloading_pid,omitempty"`
	Pools     []PoolSnapshot `json:"pools"`
}

type PoolSnapshot struct {
	Name       string           `json:"name"`
	Endpoint   string           `json:"endpoint"`
	Count      int              `json:"count"`
	Reloadable bool             `json:"reloadable"`
	Workers    []WorkerSnapshot `json:"workers"`
	Exits      map[int]int      `json:"exits"`
}

type WorkerSnapshot struct {
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// PIDs lists every live worker pid.
func (s Snapshot) PIDs() []int {
	var out []int
	for _, p := range s.Pools {
		for _, w := range p.Workers {
			out = append(out, w.PID)
		}
	}
	return out
}

// Pool finds a pool by name.
func (s Snapshot) Pool(name string) (PoolSnapshot, bool) {
	for _, p := range s.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolSnapshot{}, false
}
