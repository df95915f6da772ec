package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/runs"
)

// console renders processor events for a person, or as JSON lines when
// jsonOut is set.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	jsonOut bool
	// midLine is set while streamed text has not ended with a newline.
	midLine bool
}

func newConsole(out io.Writer, jsonOut bool) *console {
	return &console{out: out, jsonOut: jsonOut}
}

func (c *console) Emit(e engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.jsonOut {
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintln(c.out, string(data))
		}
		return
	}

	switch e.Type {
	case engine.EventTextDelta:
		fmt.Fprint(c.out, e.Text)
		c.midLine = !strings.HasSuffix(e.Text, "\n")
	case engine.EventAct:
		if e.ToolCall != nil {
			c.line(color.CyanString("→ %s", e.ToolCall.Tool) + color.HiBlackString(" %s", compactArgs(e.ToolCall.Input)))
		}
	case engine.EventObserve:
		if tc := e.ToolCall; tc != nil {
			if tc.Error != "" {
				c.line(color.RedString("✗ %s: %s", tc.Tool, truncateLine(tc.Error, 120)))
			} else {
				c.line(color.GreenString("✓ %s", tc.Tool) + color.HiBlackString(" %s", truncateLine(tc.Output, 80)))
			}
		}
	case engine.EventRetry:
		c.line(color.YellowString("… retrying in %s (attempt %d)", e.Delay.Round(time.Millisecond), e.Attempt))
	case engine.EventDoomLoopDetected:
		if e.ToolCall != nil {
			c.line(color.YellowString("⟳ %s repeated %v times with the same input", e.ToolCall.Tool, e.Data["threshold"]))
		}
	case engine.EventSteerApplied:
		c.line(color.MagentaString("↪ steered"))
	case engine.EventCompactNeeded:
		c.line(color.YellowString("context limit reached, session suspended"))
	case engine.EventError:
		if e.Error != nil {
			c.line(color.RedString("error [%s]: %s", e.Error.Code, e.Error.Message))
		}
	case engine.EventComplete:
		if c.midLine {
			fmt.Fprintln(c.out)
			c.midLine = false
		}
	}
}

// line prints msg on its own line, ending any streamed text first.
func (c *console) line(msg string) {
	if c.midLine {
		fmt.Fprintln(c.out)
		c.midLine = false
	}
	fmt.Fprintln(c.out, msg)
}

// watchRuns prints subagent state changes until sub is closed.
func (c *console) watchRuns(sub *bus.Subscription) {
	for ev := range sub.Ch() {
		st, ok := ev.Payload.(bus.RunStateChangedEvent)
		if !ok {
			continue
		}
		c.mu.Lock()
		if c.jsonOut {
			if data, err := json.Marshal(st); err == nil {
				fmt.Fprintln(c.out, string(data))
			}
		} else {
			msg := fmt.Sprintf("  ⇢ %s %s %s", st.SubAgent, shortID(st.RunID), statusColor(runs.Status(st.NewStatus)))
			if st.Error != "" {
				msg += color.HiBlackString(" (%s)", truncateLine(st.Error, 80))
			}
			c.line(msg)
		}
		c.mu.Unlock()
	}
}

func (c *console) summary(res *engine.Result) {
	if res == nil || c.jsonOut {
		return
	}
	state := strings.ToLower(string(res.State))
	if res.Truncated {
		state += " (cut short: " + string(res.FinishReason) + ")"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line(color.HiBlackString("%s · %d steps · %d tool calls · %d in / %d out tokens · $%s",
		state, res.Steps, res.ToolCalls,
		res.Usage.Input, res.Usage.Output, res.TotalCost.StringFixed(4)))
}

func statusColor(s runs.Status) string {
	switch s {
	case runs.StatusCompleted:
		return color.GreenString(string(s))
	case runs.StatusFailed, runs.StatusTimedOut:
		return color.RedString(string(s))
	case runs.StatusCancelled:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

// runsTable renders records as a bordered table.
func runsTable(recs []*runs.Record, now time.Time) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("RUN", "CONVERSATION", "SUBAGENT", "STATUS", "DEPTH", "AGE", "TASK").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, r := range recs {
		t.Row(shortID(r.RunID), r.ConversationID, r.SubAgent, statusColor(r.Status),
			fmt.Sprint(r.Depth), age(now, r.CreatedAt), truncateLine(r.Task, 48))
	}
	return t.String()
}

func age(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return truncateLine(strings.Join(parts, " "), 100)
}
