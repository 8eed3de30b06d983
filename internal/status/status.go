// Package status renders the status scratch file: a global section written by
// the master, followed by one line appended by every worker.
package status

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// Version is reported in the global section.
var Version = "0.1.0"

const rule = "----------------------------------------------"

// Widths pads the pool name and endpoint columns so master and worker lines
// line up. Both sides compute it from the same pool declarations.
type Widths struct {
	Name     int
	Endpoint int
}

// NewWidths returns column widths for the given pool names and endpoints.
func NewWidths(names, endpoints []string) Widths {
	w := Widths{Name: len("pool"), Endpoint: len("endpoint")}
	for _, n := range names {
		w.Name = max(w.Name, len(n))
	}
	for _, e := range endpoints {
		w.Endpoint = max(w.Endpoint, len(e))
	}
	return w
}

// PoolReport is one pool's slice of the global statistics.
type PoolReport struct {
	Name      string
	Processes int
	// Exits maps exit status to count.
	Exits map[int]int
}

// Report is the master's snapshot.
type Report struct {
	StartedAt time.Time
	Now       time.Time
	Pools     []PoolReport
	Widths    Widths
	// LoadAvg overrides the system load average; nil reads it from the host.
	LoadAvg []float64
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func loadAverage() []float64 {
	avg, err := load.Avg()
	if err != nil {
		return nil
	}
	return []float64{avg.Load1, avg.Load5, avg.Load15}
}

// WriteMaster writes the global section and the process table header.
func WriteMaster(w io.Writer, r Report) error {
	if r.Now.IsZero() {
		r.Now = time.Now()
	}
	loadAvg := r.LoadAvg
	if loadAvg == nil {
		loadAvg = loadAverage()
	}
	up := r.Now.Sub(r.StartedAt)
	days := int(up.Hours()) / 24
	hours := int(up.Hours()) % 24

	procs := 0
	for _, p := range r.Pools {
		procs += p.Processes
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s GLOBAL STATUS %s\n", rule, rule)
	fmt.Fprintf(&b, "workerd version: %s          Go version: %s\n", Version, runtime.Version())
	fmt.Fprintf(&b, "start time: %s   run %d days %d hours\n", r.StartedAt.Format(time.DateTime), days, hours)
	if len(loadAvg) == 3 {
		fmt.Fprintf(&b, "load average: %.2f, %.2f, %.2f\n", loadAvg[0], loadAvg[1], loadAvg[2])
	} else {
		b.WriteString("load average: n/a\n")
	}
	fmt.Fprintf(&b, "%d pools       %d processes\n", len(r.Pools), procs)
	fmt.Fprintf(&b, "%s exit_status     exit_count\n", pad("pool", r.Widths.Name))
	for _, p := range r.Pools {
		if len(p.Exits) == 0 {
			fmt.Fprintf(&b, "%s %s %d\n", pad(p.Name, r.Widths.Name), pad("0", 15), 0)
			continue
		}
		codes := make([]int, 0, len(p.Exits))
		for code := range p.Exits {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "%s %s %d\n", pad(p.Name, r.Widths.Name), pad(strconv.Itoa(code), 15), p.Exits[code])
		}
	}
	fmt.Fprintf(&b, "%s PROCESS STATUS %s\n", rule, rule[1:])
	fmt.Fprintf(&b, "pid\tmemory  %s %s connections total_request  send_fail throw_exception\n",
		pad("endpoint", r.Widths.Endpoint), pad("pool", r.Widths.Name))
	_, err := io.WriteString(w, b.String())
	return err
}

// Line is one worker's row.
type Line struct {
	PID          int
	RSS          uint64
	Endpoint     string
	Pool         string
	Connections  int64
	TotalRequest int64
	SendFail     int64
	Exceptions   int64
}

// RSS returns the resident set size of pid, or 0 when unavailable.
func RSS(pid int) uint64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}

// Format renders l padded to w.
func (l Line) Format(w Widths) string {
	mem := strconv.FormatFloat(float64(l.RSS)/(1<<20), 'f', 2, 64) + "M"
	return fmt.Sprintf("%d\t%s %s %s %s %s %s %s\n",
		l.PID,
		pad(mem, 7),
		pad(l.Endpoint, w.Endpoint),
		pad(l.Pool, w.Name),
		pad(strconv.FormatInt(l.Connections, 10), 11),
		pad(strconv.FormatInt(l.TotalRequest, 10), 14),
		pad(strconv.FormatInt(l.SendFail, 10), 9),
		pad(strconv.FormatInt(l.Exceptions, 10), 15),
	)
}

// Append adds l to the status file. Workers append concurrently; each line
// is a single write on an O_APPEND descriptor.
func Append(path string, w Widths, l Line) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(l.Format(w)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Overwrite truncates path and writes the master section.
func Overwrite(path string, r Report) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := WriteMaster(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
