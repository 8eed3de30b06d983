package conn

import "sync/atomic"

// Stats are per-process connection counters, appended to the status file by
// each worker.
type Stats struct {
	Connections  atomic.Int64
	TotalRequest atomic.Int64
	SendFail     atomic.Int64
	Exceptions   atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	Connections  int64 `json:"connections"`
	TotalRequest int64 `json:"total_request"`
	SendFail     int64 `json:"send_fail"`
	Exceptions   int64 `json:"exceptions"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Connections:  s.Connections.Load(),
		TotalRequest: s.TotalRequest.Load(),
		SendFail:     s.SendFail.Load(),
		Exceptions:   s.Exceptions.Load(),
		BytesRead:    s.BytesRead.Load(),
		BytesWritten: s.BytesWritten.Load(),
	}
}
