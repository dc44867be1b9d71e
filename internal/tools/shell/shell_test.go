package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolExecuteSuccess(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "echo hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "hello")
}

func TestToolExecuteNonZeroExit(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "exit 7"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 7, res.Metadata["exit_code"])
}

func TestToolBlocksExactCommand(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "rm -rf /"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Blocked command: rm -rf /", res.Error)
}

func TestToolBlocksExactCommandCaseInsensitive(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "  SHUTDOWN  "})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Blocked command: SHUTDOWN", res.Error)
}

func TestToolBlocksPrefix(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "dd if=/dev/urandom of=/tmp/x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Blocked command prefix: dd if=/dev/", res.Error)
}

func TestToolBlocksMkfsPrefix(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "mkfs.ext4 /dev/sda1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Blocked command prefix: mkfs.", res.Error)
}

func TestToolDoesNotBlockUnrelatedMkfsMention(t *testing.T) {
	tool := New("", 5*time.Second)
	// "mkfs" alone is blocked exactly, but a sentence merely mentioning it is not a prefix match.
	res, err := tool.Execute(context.Background(), map[string]any{"command": "echo mkfs is a command"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestToolRejectsEmptyCommand(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{"command": "   "})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestToolTruncatesStdout(t *testing.T) {
	tool := New("", 5*time.Second)
	res, err := tool.Execute(context.Background(), map[string]any{
		"command": "yes x | head -c 20000",
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Output), MaxStdoutBytes+MaxStderrBytes+1)
}
