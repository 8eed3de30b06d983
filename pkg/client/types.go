package client

import "time"

// Snapshot is the master state returned by GET {base}/status.
type Snapshot struct {
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Force     bool           `json:"force"`
	Pending   int            `json:"reload_pending"`
	Reloading int            `json:"reloading_pid,omitempty"`
	Pools     []PoolSnapshot `json:"pools"`
}

// PoolSnapshot is one pool of a Snapshot, or the GET {base}/status?pool= reply.
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

// PoolUsage is the latest resource sample of every worker of a pool.
type PoolUsage struct {
	Pool          string         `json:"pool"`
	Workers       int            `json:"workers"`
	AvgCPUPercent float64        `json:"avg_cpu_percent"`
	TotalMemoryMB float64        `json:"total_memory_mb"`
	Samples       []WorkerSample `json:"samples"`
	Timestamp     time.Time      `json:"timestamp"`
}

type WorkerSample struct {
	Pool       string    `json:"pool"`
	Slot       int       `json:"slot"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
