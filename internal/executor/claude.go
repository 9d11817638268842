// Package executor runs workers as Claude agent queries in per-spec git
// worktrees and reports their tool use into the activity feed.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/clock"
	"github.com/kazz187/specguild/pkg/worktree"
)

type Options struct {
	// RepoPath is used as the working directory when no worktree manager
	// is configured.
	RepoPath       string
	PermissionMode string
	MaxTurns       int
}

type outcome struct {
	Text    string
	IsError bool
}

type queryFunc func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (outcome, error)

func runQuery(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (outcome, error) {
	result, err := claudeagent.RunQuerySync(ctx, prompt, opts)
	if err != nil {
		return outcome{}, err
	}
	if result.Result == nil {
		return outcome{}, errors.New("claude returned no result")
	}
	return outcome{Text: result.Result.Result, IsError: result.Result.IsError}, nil
}

// Claude implements worker.Executor.
type Claude struct {
	base      context.Context
	worktrees *worktree.Manager
	activity  worker.ActivityRepository
	clock     clock.Clock
	opts      Options
	query     queryFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      conc.WaitGroup
}

var _ worker.Executor = (*Claude)(nil)

// NewClaude returns an executor whose queries live until base is cancelled
// or Close is called. worktrees may be nil.
func NewClaude(base context.Context, worktrees *worktree.Manager, activity worker.ActivityRepository, clk clock.Clock, opts Options) *Claude {
	return &Claude{
		base:      base,
		worktrees: worktrees,
		activity:  activity,
		clock:     clk,
		opts:      opts,
		query:     runQuery,
		running:   make(map[string]context.CancelFunc),
	}
}

func (c *Claude) Spawn(ctx context.Context, req worker.SpawnRequest) (string, error) {
	agentID := ulid.Make().String()
	cwd := c.opts.RepoPath
	if c.worktrees != nil {
		path, err := c.worktrees.Ensure(ctx, "spec-"+req.SpecID, "specguild/"+req.SpecID)
		if err != nil {
			return "", fmt.Errorf("prepare worktree: %w", err)
		}
		cwd = path
	}

	runCtx, cancel := context.WithCancel(c.base)
	c.mu.Lock()
	c.running[agentID] = cancel
	c.mu.Unlock()

	opts := c.options(runCtx, agentID, req, cwd)
	c.wg.Go(func() {
		defer c.forget(agentID)
		c.run(runCtx, agentID, req, opts)
	})
	slog.Info("executor: query started", "agent_id", agentID, "spec_id", req.SpecID, "agent_type", req.AgentType, "cwd", cwd)
	return agentID, nil
}

func (c *Claude) options(ctx context.Context, agentID string, req worker.SpawnRequest, cwd string) *claudeagent.ClaudeAgentOptions {
	permMode := claudeagent.PermissionModeAcceptEdits
	if c.opts.PermissionMode != "" {
		permMode = claudeagent.PermissionMode(c.opts.PermissionMode)
	}
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   fmt.Sprintf("You are a %s agent fixing %q.", req.AgentType, req.Description),
		Cwd:            cwd,
		PermissionMode: permMode,
		CanUseTool: func(toolName string, input map[string]any, _ claudeagent.ToolPermissionContext) (claudeagent.PermissionResult, error) {
			if ctx.Err() != nil {
				return claudeagent.PermissionResultDeny{Message: "worker cancelled"}, nil
			}
			c.recordTool(ctx, agentID, req.SessionID, toolName, input)
			return claudeagent.PermissionResultAllow{}, nil
		},
		StderrCallback: func(line string) {
			slog.Debug("executor: claude stderr", "spec_id", req.SpecID, "line", line)
		},
	}
	if c.opts.MaxTurns > 0 {
		maxTurns := c.opts.MaxTurns
		opts.MaxTurns = &maxTurns
	}
	return opts
}

func (c *Claude) recordTool(ctx context.Context, agentID, sessionID, toolName string, input map[string]any) {
	raw, err := json.Marshal(input)
	if err != nil {
		raw = []byte("{}")
	}
	if err := c.activity.Append(ctx, &worker.Activity{
		SessionID: sessionID,
		WorkerID:  agentID,
		ToolName:  toolName,
		Success:   true,
		RawInput:  string(raw),
		CreatedAt: c.clock.Now(),
	}); err != nil {
		slog.Warn("executor: failed to record tool use", "session_id", sessionID, "tool", toolName, "error", err)
	}
}

func (c *Claude) run(ctx context.Context, agentID string, req worker.SpawnRequest, opts *claudeagent.ClaudeAgentOptions) {
	out, err := c.query(ctx, req.Prompt, opts)
	if ctx.Err() != nil {
		slog.Info("executor: query cancelled", "agent_id", agentID)
		return
	}
	final := &worker.Activity{
		SessionID: req.SessionID,
		WorkerID:  agentID,
		ToolName:  worker.ResultToolName,
		Success:   err == nil && !out.IsError,
		Output:    out.Text,
		CreatedAt: c.clock.Now(),
	}
	switch {
	case err != nil:
		final.ErrorMessage = err.Error()
	case out.IsError:
		final.ErrorMessage = out.Text
		if final.ErrorMessage == "" {
			final.ErrorMessage = "claude returned an error"
		}
	}
	// The run context may be gone by now; the result still has to land.
	if err := c.activity.Append(context.WithoutCancel(ctx), final); err != nil {
		slog.Error("executor: failed to record result", "agent_id", agentID, "error", err)
		return
	}
	slog.Info("executor: query finished", "agent_id", agentID, "success", final.Success)
}

func (c *Claude) forget(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.running[agentID]; ok {
		cancel()
		delete(c.running, agentID)
	}
}

// Cancel stops a running query. Unknown or finished agents are ignored.
func (c *Claude) Cancel(_ context.Context, agentID string) error {
	c.mu.Lock()
	cancel, ok := c.running[agentID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close cancels every running query and waits for them to return.
func (c *Claude) Close() {
	c.mu.Lock()
	for _, cancel := range c.running {
		cancel()
	}
	c.mu.Unlock()
	if r := c.wg.WaitAndRecover(); r != nil {
		slog.Error("executor: query panicked", "error", r.AsError())
	}
}
