package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/permission"
)

type lineResult struct {
	line string
	err  error
}

// terminal answers human pseudo-tools and permission asks on stdin. One
// reader goroutine feeds every prompt so an abandoned prompt never leaves
// a second reader racing for input.
type terminal struct {
	in  io.Reader
	out io.Writer

	autoApprove bool
	askTimeout  time.Duration
	approvals   *permission.ApprovalManager

	once  sync.Once
	lines chan lineResult
	mu    sync.Mutex
}

var _ engine.HumanChannel = (*terminal)(nil)

func newTerminal(in io.Reader, out io.Writer, autoApprove bool, askTimeout time.Duration) *terminal {
	return &terminal{in: in, out: out, autoApprove: autoApprove, askTimeout: askTimeout}
}

func (t *terminal) start() {
	t.once.Do(func() {
		t.lines = make(chan lineResult)
		go func() {
			defer close(t.lines)
			r := bufio.NewReader(t.in)
			for {
				line, err := r.ReadString('\n')
				t.lines <- lineResult{line: strings.TrimSpace(line), err: err}
				if err != nil {
					return
				}
			}
		}()
	})
}

// ask prints prompt and waits for one line.
func (t *terminal) ask(ctx context.Context, prompt string) (string, error) {
	t.start()
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, prompt)
	select {
	case res, ok := <-t.lines:
		if !ok {
			return "", engine.ErrHumanUnavailable
		}
		if res.err != nil && res.line == "" {
			return "", fmt.Errorf("%w: %v", engine.ErrHumanUnavailable, res.err)
		}
		return res.line, nil
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	}
}

func (t *terminal) AskClarification(ctx context.Context, req engine.ClarificationRequest) (string, error) {
	fmt.Fprintf(t.out, "\n%s %s\n", color.MagentaString("?"), req.Question)
	if req.Context != "" {
		fmt.Fprintln(t.out, color.HiBlackString("  "+req.Context))
	}
	return t.ask(ctx, "> ")
}

func (t *terminal) RequestDecision(ctx context.Context, req engine.DecisionRequest) (string, error) {
	fmt.Fprintf(t.out, "\n%s %s\n", color.MagentaString("?"), req.Question)
	for i, opt := range req.Options {
		fmt.Fprintf(t.out, "  %d) %s\n", i+1, opt)
	}
	for {
		answer, err := t.ask(ctx, "choose> ")
		if err != nil {
			return "", err
		}
		if choice, ok := pickOption(req.Options, answer); ok {
			return choice, nil
		}
		fmt.Fprintln(t.out, color.YellowString("  pick a number between 1 and %d", len(req.Options)))
	}
}

func (t *terminal) RequestEnvVar(ctx context.Context, req engine.EnvVarRequest) (string, error) {
	fmt.Fprintf(t.out, "\n%s %s is needed", color.MagentaString("?"), color.New(color.Bold).Sprint(req.Name))
	if req.Reason != "" {
		fmt.Fprintf(t.out, ": %s", req.Reason)
	}
	fmt.Fprintln(t.out)
	return t.ask(ctx, req.Name+"= ")
}

// onApproval is the ApprovalManager callback. It must not block: the
// manager calls it before the processor starts waiting.
func (t *terminal) onApproval(p permission.Pending) {
	id := p.Request.ID
	if t.autoApprove {
		_ = t.approvals.Respond(id, true)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.askTimeout)
		defer cancel()
		req := p.Request
		fmt.Fprintf(t.out, "\n%s %s wants %s on %s\n", color.YellowString("!"), req.Tool, color.New(color.Bold).Sprint(req.Permission), req.Pattern)
		if req.Reason != "" {
			fmt.Fprintln(t.out, color.HiBlackString("  "+req.Reason))
		}
		answer, err := t.ask(ctx, "allow? [y/N] ")
		if err != nil {
			return
		}
		_ = t.approvals.Respond(id, isYes(answer))
	}()
}

func pickOption(options []string, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return "", false
	}
	for _, opt := range options {
		if strings.EqualFold(opt, answer) {
			return opt, true
		}
	}
	return "", false
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
