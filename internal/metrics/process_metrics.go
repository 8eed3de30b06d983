package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample holds CPU and memory usage of one worker process.
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

// PoolUsage aggregates the latest samples of a pool's workers.
type PoolUsage struct {
	Pool          string         `json:"pool"`
	Workers       int            `json:"workers"`
	AvgCPUPercent float64        `json:"avg_cpu_percent"`
	TotalMemoryMB float64        `json:"total_memory_mb"`
	Samples       []WorkerSample `json:"samples"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Target identifies a live worker to sample.
type Target struct {
	Pool string
	Slot int
	PID  int
}

// WorkerMetricsConfig holds configuration for worker resource sampling.
type WorkerMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

type slotKey struct {
	pool string
	slot int
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf   []WorkerSample
	start int
	count int
}

func (r *ring) add(s WorkerSample) {
	if r.count < len(r.buf) {
		r.buf[r.count] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) latest() (WorkerSample, bool) {
	if r.count == 0 {
		return WorkerSample{}, false
	}
	if r.count < len(r.buf) {
		return r.buf[r.count-1], true
	}
	return r.buf[(r.start-1+len(r.buf))%len(r.buf)], true
}

// ordered returns the samples oldest first.
func (r *ring) ordered() []WorkerSample {
	out := make([]WorkerSample, r.count)
	if r.count < len(r.buf) {
		copy(out, r.buf[:r.count])
		return out
	}
	n := copy(out, r.buf[r.start:])
	copy(out[n:], r.buf[:r.start])
	return out
}

// WorkerCollector samples the supervisor's workers and exports per-slot gauges.
type WorkerCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[slotKey]*ring
	pids    map[slotKey]int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewWorkerCollector(config WorkerMetricsConfig) *WorkerCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	labels := []string{"pool", "slot"}
	return &WorkerCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make(map[slotKey]*ring),
		pids:       make(map[slotKey]int32),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of a worker process.",
		}, labels),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a worker process.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Number of OS threads of a worker process.",
		}, labels),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "num_fds",
			Help:      "Number of open file descriptors of a worker process.",
		}, labels),
	}
}

func (c *WorkerCollector) IsEnabled() bool { return c.enabled }

// RegisterMetrics registers the worker gauges with the provided registerer.
func (c *WorkerCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, collector := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads, c.numFDs} {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples targets() every interval until ctx is done or Stop is called.
func (c *WorkerCollector) Start(ctx context.Context, targets func() []Target) error {
	if !c.enabled {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(targets())
			}
		}
	}()
	return nil
}

func (c *WorkerCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every target and forgets slots no longer listed.
func (c *WorkerCollector) Collect(targets []Target) {
	if !c.enabled {
		return
	}
	now := time.Now()
	live := make(map[slotKey]bool, len(targets))
	samples := make([]WorkerSample, 0, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		live[slotKey{t.Pool, t.Slot}] = true
		s, err := sample(t, now)
		if err != nil {
			slog.Debug("sample worker failed", "pool", t.Pool, "slot", t.Slot, "pid", t.PID, "error", err)
			continue
		}
		samples = append(samples, s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range samples {
		key := slotKey{s.Pool, s.Slot}
		slot := strconv.Itoa(s.Slot)
		c.cpuPercent.WithLabelValues(s.Pool, slot).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(s.Pool, slot).Set(float64(s.MemoryRSS))
		c.numThreads.WithLabelValues(s.Pool, slot).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.numFDs.WithLabelValues(s.Pool, slot).Set(float64(s.NumFDs))
		}
		// a respawned worker in the same slot starts a fresh history
		h, ok := c.history[key]
		if !ok || c.pids[key] != s.PID {
			h = &ring{buf: make([]WorkerSample, c.maxHistory)}
			c.history[key] = h
			c.pids[key] = s.PID
		}
		h.add(s)
	}
	for key := range c.history {
		if live[key] {
			continue
		}
		delete(c.history, key)
		delete(c.pids, key)
		slot := strconv.Itoa(key.slot)
		c.cpuPercent.DeleteLabelValues(key.pool, slot)
		c.memoryRSS.DeleteLabelValues(key.pool, slot)
		c.numThreads.DeleteLabelValues(key.pool, slot)
		c.numFDs.DeleteLabelValues(key.pool, slot)
	}
}

func sample(t Target, ts time.Time) (WorkerSample, error) {
	proc, err := process.NewProcess(int32(t.PID))
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := WorkerSample{
		Pool:      t.Pool,
		Slot:      t.Slot,
		PID:       int32(t.PID),
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		MemoryRSS: mem.RSS,
		Timestamp: ts,
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if n, err := proc.NumFDs(); err == nil {
		s.NumFDs = n
	}
	return s, nil
}

// Latest returns the most recent sample of a slot.
func (c *WorkerCollector) Latest(pool string, slot int) (WorkerSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[slotKey{pool, slot}]
	if !ok {
		return WorkerSample{}, false
	}
	return h.latest()
}

// History returns a slot's samples in chronological order.
func (c *WorkerCollector) History(pool string, slot int) []WorkerSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[slotKey{pool, slot}]
	if !ok {
		return nil
	}
	return h.ordered()
}

// Pool aggregates the latest sample of every slot in a pool.
func (c *WorkerCollector) Pool(pool string) (PoolUsage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u := PoolUsage{Pool: pool}
	var cpu float64
	for key, h := range c.history {
		if key.pool != pool {
			continue
		}
		s, ok := h.latest()
		if !ok {
			continue
		}
		u.Samples = append(u.Samples, s)
		cpu += s.CPUPercent
		u.TotalMemoryMB += s.MemoryMB
		if s.Timestamp.After(u.Timestamp) {
			u.Timestamp = s.Timestamp
		}
	}
	if len(u.Samples) == 0 {
		return PoolUsage{}, false
	}
	sort.Slice(u.Samples, func(i, j int) bool { return u.Samples[i].Slot < u.Samples[j].Slot })
	u.Workers = len(u.Samples)
	u.AvgCPUPercent = cpu / float64(u.Workers)
	return u, true
}
