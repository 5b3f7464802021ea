package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zuiho-kai/claude-manager/internal/db"
	"github.com/zuiho-kai/claude-manager/internal/events"
)

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"assistant":           "assistant",
		"tool_use":            "tool_use",
		"tool_result":         "tool_result",
		"result":              "result",
		"error":               "error",
		"content_block_start": "assistant",
		"content_block_delta": "assistant",
		"content_block_stop":  "assistant",
		"message_start":       "system",
		"message_delta":       "system",
		"message_stop":        "system",
		"raw":                 "system",
		"":                    "system",
		"something_new":       "system",
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), "type %q", in)
	}
}

func TestCostFromUsage(t *testing.T) {
	assert.InDelta(t, 0.09, CostFromUsage(1000, 1000), 1e-9)
	assert.Zero(t, CostFromUsage(0, 0))
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs("do the thing")
	assert.Equal(t, []string{
		"-p", "do the thing",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}, args)
}

func newTestRunner(t *testing.T, bin string) (*Runner, *db.DB, *events.MemoryPublisher) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	return New(store, pub, bin, nil), store, pub
}

// fakeAgent writes a shell script that plays back stream-json lines.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunCompletedWithResult(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"result","result":"all done","cost_usd":0.42}'
`)
	r, store, pub := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, err := store.GetTask(id)
	require.NoError(t, err)

	ch := pub.Subscribe(id)
	status := r.Run(context.Background(), task)
	assert.Equal(t, db.StatusCompleted, status)

	task, err = store.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, task.Status)
	assert.Equal(t, "all done", task.ResultText)
	assert.InDelta(t, 0.42, task.CostUSD, 1e-9)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)

	evs, err := store.ListEvents(id)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, db.EventAssistant, evs[0].EventType)
	assert.Equal(t, db.EventResult, evs[1].EventType)

	// Events also went out on the bus, in order.
	first := <-ch
	assert.Equal(t, db.EventAssistant, first.EventType)
	second := <-ch
	assert.Equal(t, db.EventResult, second.EventType)
}

func TestRunCostFallsBackToUsage(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"result","result":"ok","usage":{"input_tokens":1000,"output_tokens":1000}}'
`)
	r, store, _ := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, _ := store.GetTask(id)

	assert.Equal(t, db.StatusCompleted, r.Run(context.Background(), task))
	task, _ = store.GetTask(id)
	assert.InDelta(t, 0.09, task.CostUSD, 1e-9)
}

func TestRunInvalidJSONBecomesRawSystemEvent(t *testing.T) {
	bin := fakeAgent(t, `
echo 'plain text progress line'
echo '{"type":"result","result":"ok"}'
`)
	r, store, _ := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, _ := store.GetTask(id)
	r.Run(context.Background(), task)

	evs, err := store.ListEvents(id)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, db.EventSystem, evs[0].EventType)
	assert.Equal(t, "raw", gjson.Get(evs[0].Payload, "type").String())
	assert.Equal(t, "plain text progress line", gjson.Get(evs[0].Payload, "text").String())
}

func TestRunFailureCapturesStderr(t *testing.T) {
	bin := fakeAgent(t, `
echo 'boom: bad flag' >&2
exit 3
`)
	r, store, _ := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, _ := store.GetTask(id)

	assert.Equal(t, db.StatusFailed, r.Run(context.Background(), task))
	task, _ = store.GetTask(id)
	assert.Equal(t, db.StatusFailed, task.Status)
	assert.Equal(t, "Process exited with code 3: boom: bad flag", task.ResultText)
}

func TestRunFailureKeepsResultText(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"result","result":"partial work saved"}'
echo 'late failure' >&2
exit 1
`)
	r, store, _ := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, _ := store.GetTask(id)

	assert.Equal(t, db.StatusFailed, r.Run(context.Background(), task))
	task, _ = store.GetTask(id)
	assert.Equal(t, "partial work saved", task.ResultText)
}

func TestRunMissingBinaryFails(t *testing.T) {
	r, store, _ := newTestRunner(t, filepath.Join(t.TempDir(), "no-such-agent"))

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, _ := store.GetTask(id)

	assert.Equal(t, db.StatusFailed, r.Run(context.Background(), task))
	task, _ = store.GetTask(id)
	assert.Equal(t, db.StatusFailed, task.Status)
	assert.NotEmpty(t, task.ResultText)
}

func TestRunSkipsTaskCancelledWhileQueued(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"result","result":"finished anyway"}'
`)
	r, store, _ := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	applied, err := store.CancelTask(id)
	require.NoError(t, err)
	require.True(t, applied)

	task, _ := store.GetTask(id)
	assert.Equal(t, db.StatusCancelled, r.Run(context.Background(), task))

	// The agent never started: no transition, no output, no log.
	task, _ = store.GetTask(id)
	assert.Equal(t, db.StatusCancelled, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.Empty(t, task.ResultText)

	logs, err := store.ListEvents(id)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRunPreservesCancelWhileRunning(t *testing.T) {
	resume := filepath.Join(t.TempDir(), "resume")
	bin := fakeAgent(t, fmt.Sprintf(`
while [ ! -f %q ]; do sleep 0.05; done
echo '{"type":"result","result":"finished anyway","cost_usd":0.5}'
`, resume))
	r, store, _ := newTestRunner(t, bin)

	id, err := store.CreateTask(&db.Task{Prompt: "hello"})
	require.NoError(t, err)
	task, _ := store.GetTask(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), task)
	}()

	require.Eventually(t, func() bool {
		cur, err := store.GetTask(id)
		return err == nil && cur.Status == db.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	applied, err := store.CancelTask(id)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, os.WriteFile(resume, nil, 0o644))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never finished")
	}

	// Cancelling a running task lets the agent finish; its result and
	// cost are recorded but the status stays cancelled.
	task, _ = store.GetTask(id)
	assert.Equal(t, db.StatusCancelled, task.Status)
	assert.Equal(t, "finished anyway", task.ResultText)
	assert.InDelta(t, 0.5, task.CostUSD, 1e-9)
}
