//go:build !windows

package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsalso/dokodemodoor/internal/core"
)

func script(t *testing.T, body string) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return Config{Command: path, Timeout: 10 * time.Second, GracePeriod: time.Second}
}

func collect(t *testing.T, ch <-chan core.RuntimeEvent) []core.RuntimeEvent {
	t.Helper()
	var out []core.RuntimeEvent
	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("runtime channel never closed")
		}
	}
}

func TestRuntime_StreamsEvents(t *testing.T) {
	cfg := script(t, `
prompt=$(cat)
echo "booting"
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"got prompt"}]}}'
echo '{"type":"tool_use","id":"t1","name":"Write","input":{"path":"out.md"}}'
printf '%s' "$prompt" > out.md
echo '{"type":"tool_result","tool_use_id":"t1","content":"written"}'
echo '{"type":"result","subtype":"success","total_cost_usd":0.1,"num_turns":2}'
`)
	rt, err := New(cfg, nil)
	require.NoError(t, err)

	ws := t.TempDir()
	ch, err := rt.Execute(context.Background(), core.RuntimeRequest{Unit: "recon", Prompt: "map the app", WorkspacePath: ws})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 4)
	assert.Equal(t, core.RuntimeEventAssistant, events[0].Type)
	assert.Equal(t, core.RuntimeEventToolStart, events[1].Type)
	assert.Equal(t, core.RuntimeEventToolEnd, events[2].Type)
	assert.Equal(t, core.RuntimeEventResult, events[3].Type)
	assert.True(t, events[3].Result.Success)
	assert.Equal(t, 2, events[3].Result.Turns)

	written, err := os.ReadFile(filepath.Join(ws, "out.md"))
	require.NoError(t, err)
	assert.Equal(t, "map the app", string(written), "prompt arrives on stdin, command runs in the workspace")
}

func TestRuntime_ExitWithoutResult(t *testing.T) {
	rt, err := New(script(t, `cat >/dev/null; echo "Credit balance is too low" >&2; exit 3`), nil)
	require.NoError(t, err)

	ch, err := rt.Execute(context.Background(), core.RuntimeRequest{Unit: "recon", WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 1)
	res := events[0].Result
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.Fatal)
	assert.Equal(t, "error_process_exit", res.Subtype)
	assert.Equal(t, "Credit balance is too low", res.Message)
}

func TestRuntime_CleanExitWithoutResult(t *testing.T) {
	rt, err := New(script(t, `cat >/dev/null; echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'`), nil)
	require.NoError(t, err)

	ch, err := rt.Execute(context.Background(), core.RuntimeRequest{Unit: "recon", WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, core.RuntimeEventAssistant, events[0].Type)
}

func TestRuntime_Timeout(t *testing.T) {
	cfg := script(t, `cat >/dev/null; sleep 30`)
	cfg.Timeout = 200 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	rt, err := New(cfg, nil)
	require.NoError(t, err)

	ch, err := rt.Execute(context.Background(), core.RuntimeRequest{Unit: "recon", WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, "error_timeout", events[0].Result.Subtype)
	assert.False(t, events[0].Result.Fatal)
}

func TestRuntime_Args(t *testing.T) {
	rt, err := New(Config{
		Command:   "npx agent-runtime",
		Args:      []string{"--output-format", "stream-json"},
		TurnsFlag: "--max-turns",
		ToolsFlag: "--allowed-tools",
	}, nil)
	require.NoError(t, err)

	args := rt.Args(core.RuntimeRequest{TurnCeiling: 50, AllowedTools: []string{"Read", "Bash"}})
	assert.Equal(t, []string{"agent-runtime", "--output-format", "stream-json", "--max-turns", "50", "--allowed-tools", "Read,Bash"}, args)

	args = rt.Args(core.RuntimeRequest{})
	assert.Equal(t, []string{"agent-runtime", "--output-format", "stream-json"}, args)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, core.IsKind(err, core.KindValidation))

	rt, err := New(Config{Command: "definitely-not-a-real-runtime-binary"}, nil)
	require.NoError(t, err)
	_, err = rt.Execute(context.Background(), core.RuntimeRequest{Unit: "recon", WorkspacePath: t.TempDir()})
	assert.True(t, core.IsKind(err, core.KindValidation))
}
