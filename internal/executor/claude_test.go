package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/clock"
)

type memActivity struct {
	mu      sync.Mutex
	records []*worker.Activity
}

func (m *memActivity) Append(_ context.Context, a *worker.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, a)
	return nil
}

func (m *memActivity) Recent(_ context.Context, sessionID, workerID string, _ time.Time, _ int) ([]*worker.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*worker.Activity
	for _, a := range m.records {
		if a.SessionID == sessionID && (a.WorkerID == "" || a.WorkerID == workerID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memActivity) tools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, a := range m.records {
		out[i] = a.ToolName
	}
	return out
}

func newTestClaude(q queryFunc) (*Claude, *memActivity) {
	act := &memActivity{}
	c := NewClaude(context.Background(), nil, act, clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Options{RepoPath: "/repo", MaxTurns: 30})
	c.query = q
	return c, act
}

func TestClaudeRecordsToolsAndResult(t *testing.T) {
	var gotOpts *claudeagent.ClaudeAgentOptions
	c, act := newTestClaude(func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (outcome, error) {
		gotOpts = opts
		var tc claudeagent.ToolPermissionContext
		if _, err := opts.CanUseTool("Edit", map[string]any{"file_path": "src/login.ts"}, tc); err != nil {
			return outcome{}, err
		}
		return outcome{Text: "All tasks complete"}, nil
	})

	id, err := c.Spawn(context.Background(), worker.SpawnRequest{
		AgentType: worker.AgentTesting, Prompt: "fix it", Description: "Fix login", SessionID: "s1", SpecID: "spec1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	c.Close()

	assert.Equal(t, []string{"Edit", worker.ResultToolName}, act.tools())
	for _, rec := range act.records {
		assert.Equal(t, id, rec.WorkerID)
	}
	assert.Equal(t, "/repo", gotOpts.Cwd)
	require.NotNil(t, gotOpts.MaxTurns)
	assert.Equal(t, 30, *gotOpts.MaxTurns)
	assert.Equal(t, claudeagent.PermissionModeAcceptEdits, gotOpts.PermissionMode)

	a := worker.Analyze(act.records)
	assert.Equal(t, []string{"src/login.ts"}, a.ChangedFiles)
	require.NotNil(t, a.Final)
	assert.True(t, a.Final.Success)
	assert.True(t, a.CompletionSignal)
}

func TestClaudeRecordsFailure(t *testing.T) {
	c, act := newTestClaude(func(context.Context, string, *claudeagent.ClaudeAgentOptions) (outcome, error) {
		return outcome{}, errors.New("process exited")
	})
	_, err := c.Spawn(context.Background(), worker.SpawnRequest{SessionID: "s1", SpecID: "spec1"})
	require.NoError(t, err)
	c.Close()

	require.Len(t, act.records, 1)
	assert.False(t, act.records[0].Success)
	assert.Equal(t, "process exited", act.records[0].ErrorMessage)
}

func TestClaudeCancel(t *testing.T) {
	started := make(chan struct{})
	c, act := newTestClaude(func(ctx context.Context, _ string, _ *claudeagent.ClaudeAgentOptions) (outcome, error) {
		close(started)
		<-ctx.Done()
		return outcome{}, ctx.Err()
	})
	id, err := c.Spawn(context.Background(), worker.SpawnRequest{SessionID: "s1", SpecID: "spec1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Cancel(context.Background(), id))
	require.NoError(t, c.Cancel(context.Background(), id))
	require.NoError(t, c.Cancel(context.Background(), "unknown"))
	c.Close()
	assert.Empty(t, act.tools(), "cancelled queries record nothing")
}
