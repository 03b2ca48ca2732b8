// Package output renders run progress and the end-of-run summary.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/metrics"
	"github.com/wesleyorama2/volley/internal/load/runner"
)

const ruleWidth = 56

// Progress is a periodic view of a running test.
type Progress struct {
	Elapsed   time.Duration
	Total     time.Duration
	Users     runner.Stats
	Snapshot  *metrics.Snapshot
	StageName string
}

// Console writes progress lines and the final summary.
type Console struct {
	writer    io.Writer
	useColors bool
	quiet     bool
	verbose   bool

	mu sync.Mutex
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer  io.Writer
	Quiet   bool
	Verbose bool
	// NoColor disables colours even on a terminal.
	NoColor bool
	// ForceColors enables colours when the writer is not a terminal.
	ForceColors bool
}

// NewConsole creates a console writer. Colours are used when the writer is
// a terminal that supports them, unless overridden by the config.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	useColors := cfg.ForceColors || (isTerminal(cfg.Writer) && supportsColors())
	if cfg.NoColor {
		useColors = false
	}
	return &Console{
		writer:    cfg.Writer,
		useColors: useColors,
		quiet:     cfg.Quiet,
		verbose:   cfg.Verbose,
	}
}

// PrintHeader prints the run banner.
func (c *Console) PrintHeader(name, runID, ramp string, total time.Duration) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rule := c.paint(color.FgCyan)(strings.Repeat("━", ruleWidth))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - %s", c.paint(color.Bold)(name), "Running"))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("Run:       %s", runID))
	c.writeln(fmt.Sprintf("Ramp:      %s", ramp))
	if total > 0 {
		c.writeln(fmt.Sprintf("Duration:  %s", formatDuration(total)))
	} else {
		c.writeln("Duration:  until interrupted")
	}
	c.writeln("")
}

// PrintProgress prints a one-line status update.
func (c *Console) PrintProgress(p Progress) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var line strings.Builder
	line.WriteString(fmt.Sprintf("[%s", formatDuration(p.Elapsed)))
	if p.Total > 0 {
		pct := float64(p.Elapsed) / float64(p.Total) * 100
		if pct > 100 {
			pct = 100
		}
		line.WriteString(fmt.Sprintf(" %3.0f%%", pct))
	}
	line.WriteString("]")
	line.WriteString(fmt.Sprintf(" Users: %d/%d", p.Users.Live, p.Users.Target))
	if p.StageName != "" {
		line.WriteString(fmt.Sprintf(" (%s)", p.StageName))
	}

	if s := p.Snapshot; s != nil {
		errColor := c.rateColor(s.ErrorRate)
		line.WriteString(fmt.Sprintf(" | Tasks: %s | Rate: %.1f/s | Failed: %s | P95: %s",
			formatNumber(s.TotalTasks),
			s.Rate,
			errColor(fmt.Sprintf("%d (%.1f%%)", s.Failed, s.ErrorRate*100)),
			formatDurationShort(s.Latency.P95)))
	}
	c.writeln(line.String())
}

// PrintSummary prints the final run summary.
func (c *Console) PrintSummary(result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result == nil {
		c.writeln("No results available")
		return
	}

	if c.quiet {
		if result.Passed {
			c.writeln(c.paint(color.FgGreen)("PASSED"))
		} else {
			c.writeln(c.paint(color.FgRed)("FAILED"))
		}
		return
	}

	status := c.paint(color.FgGreen)("Completed ✓")
	if !result.Passed {
		status = c.paint(color.FgRed)("Failed ✗")
	}

	rule := c.paint(color.FgCyan)(strings.Repeat("━", ruleWidth))
	c.writeln("")
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - %s", c.paint(color.Bold)(result.Name), status))
	c.writeln(rule)
	c.writeln("")

	cyan := c.paint(color.FgCyan)
	c.writeln(fmt.Sprintf("Duration:      %s", cyan(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("Users:         %s spawned, %d init failures",
		cyan(fmt.Sprintf("%d", result.Users.Spawned)), result.Users.InitFailures))
	if result.Error != "" {
		c.writeln(fmt.Sprintf("Error:         %s", c.paint(color.FgRed)(result.Error)))
	}

	m := result.Metrics
	if m == nil {
		c.writeln("")
		return
	}

	c.writeln(fmt.Sprintf("Total Tasks:   %s", cyan(formatNumber(m.TotalTasks))))
	c.writeln(fmt.Sprintf("Success Rate:  %s", c.rateColor(m.ErrorRate)(fmt.Sprintf("%.1f%%", (1-m.ErrorRate)*100))))
	c.writeln(fmt.Sprintf("Throughput:    %.2f tasks/s", m.Rate))
	c.writeln(fmt.Sprintf("Data Received: %s", formatBytes(m.TotalBytes)))
	c.writeln("")

	bold := c.paint(color.Bold)
	c.writeln(bold("Latency Distribution:"))
	c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
	c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
	c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
	c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
	c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
	c.writeln("")

	if len(m.Tasks) > 0 {
		c.writeln(bold("Tasks:"))
		c.writeln(fmt.Sprintf("  %-40s %8s %8s %9s %9s", "Name", "Count", "Failed", "P50", "P95"))
		for _, ts := range m.Tasks {
			failed := fmt.Sprintf("%8d", ts.Failures)
			if ts.Failures > 0 {
				failed = c.paint(color.FgRed)(failed)
			}
			c.writeln(fmt.Sprintf("  %-40s %8d %s %9s %9s",
				truncate(ts.Name, 40), ts.Count, failed,
				formatDurationShort(ts.Latency.P50), formatDurationShort(ts.Latency.P95)))
			if c.verbose {
				c.writeNotes(ts)
			}
		}
		c.writeln("")
	}

	if len(m.ErrorKinds) > 0 {
		c.writeln(bold("Errors:"))
		kinds := make([]load.ErrorKind, 0, len(m.ErrorKinds))
		for k := range m.ErrorKinds {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			c.writeln(fmt.Sprintf("  %-12s %d", k, m.ErrorKinds[k]))
		}
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(bold("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := c.paint(color.FgGreen)("✓")
			if !t.Passed {
				mark = c.paint(color.FgRed)("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
			if !t.Passed && t.Message != "" {
				c.writeln(fmt.Sprintf("      %s", t.Message))
			}
		}
		c.writeln("")
	}
}

func (c *Console) writeNotes(ts metrics.TaskStats) {
	notes := make([]string, 0, len(ts.Notes))
	for note := range ts.Notes {
		notes = append(notes, note)
	}
	sort.Strings(notes)
	for _, note := range notes {
		c.writeln(fmt.Sprintf("      note %q: %d", note, ts.Notes[note]))
	}
	if ts.LastError != "" {
		c.writeln(fmt.Sprintf("      last error: %s", ts.LastError))
	}
}

// rateColor picks a colour for an error rate.
func (c *Console) rateColor(errorRate float64) func(a ...interface{}) string {
	switch {
	case errorRate > 0.05:
		return c.paint(color.FgRed)
	case errorRate > 0.01:
		return c.paint(color.FgYellow)
	default:
		return c.paint(color.FgGreen)
	}
}

// paint returns a sprint func for attrs that honours the console's colour
// setting regardless of the package-level color.NoColor.
func (c *Console) paint(attrs ...color.Attribute) func(a ...interface{}) string {
	col := color.New(attrs...)
	if c.useColors {
		col.EnableColor()
	} else {
		col.DisableColor()
	}
	return col.SprintFunc()
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
