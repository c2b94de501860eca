// Package stats aggregates client-side measurements taken while exercising a
// relay and renders a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Collector aggregates measurements from many clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	received         int
	startTime        time.Time
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMsgLatency records the publish-to-receive latency of one notice.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.received++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Distribution summarizes a set of durations.
type Distribution struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// Summary is a point-in-time view of a Collector.
type Summary struct {
	Elapsed     time.Duration
	Connections int
	Received    int
	Errors      int
	Connect     Distribution
	Message     Distribution
}

// Summary computes the current summary.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Elapsed:     time.Since(c.startTime),
		Connections: c.connections,
		Received:    c.received,
		Errors:      c.errors,
		Connect:     Percentiles(c.connectLatencies),
		Message:     Percentiles(c.msgLatencies),
	}
}

// Percentiles computes the distribution of durations. The input is not
// modified. An empty input yields the zero Distribution.
func Percentiles(durations []time.Duration) Distribution {
	n := len(durations)
	if n == 0 {
		return Distribution{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return Distribution{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}

// Report writes the summary to w as a table.
func (c *Collector) Report(w io.Writer) {
	s := c.Summary()

	fmt.Fprintf(w, "duration %s, connections %d, received %d, errors %d",
		s.Elapsed.Round(time.Millisecond), s.Connections, s.Received, s.Errors)
	if s.Connections > 0 {
		fmt.Fprintf(w, " (%.2f%% error rate)", float64(s.Errors)/float64(s.Connections)*100)
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Latency", "N", "Avg", "P50", "P95", "P99", "Max"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append(distributionRow("connect", s.Connect))
	table.Append(distributionRow("message", s.Message))
	table.Render()
}

func distributionRow(name string, d Distribution) []string {
	round := func(v time.Duration) string { return v.Round(time.Microsecond).String() }
	return []string{name, fmt.Sprint(d.N), round(d.Avg), round(d.P50), round(d.P95), round(d.P99), round(d.Max)}
}
