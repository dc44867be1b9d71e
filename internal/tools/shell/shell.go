// Package shell implements the agent's shell tool: synchronous command
// execution behind a fixed block-list, with output truncated to bounded
// sizes.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/loomagent/loom/pkg/models"
)

// controlChars matches control characters like newlines and carriage
// returns, which never legitimately appear inside a single shell command
// and most often indicate an attempt to smuggle a second command past the
// block-list's string matching.
var controlChars = regexp.MustCompile(`[\r\n]`)

// MaxStdoutBytes and MaxStderrBytes bound the captured output of a command,
// matching the reference tool's truncation limits.
const (
	MaxStdoutBytes = 10_000
	MaxStderrBytes = 5_000
)

// blockedCommands is matched against the full command after trimming
// whitespace and lowercasing. Exact match only.
var blockedCommands = map[string]struct{}{
	"rm -rf /":        {},
	"rm -rf /*":       {},
	"mkfs":            {},
	"dd if=/dev/zero": {},
	":(){:|:&};:":     {},
	"chmod -R 777 /":  {},
	"shutdown":        {},
	"reboot":          {},
	"halt":            {},
	"poweroff":        {},
}

// blockedPrefixes is matched as a prefix against the same normalized command.
var blockedPrefixes = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs.",
	"dd if=/dev/",
	"chmod -R 777 /",
}

// Tool executes shell commands via /bin/sh -c, subject to the block-list
// above and a caller-supplied timeout.
type Tool struct {
	// WorkDir is the working directory commands run in. Empty means the
	// process's own working directory.
	WorkDir string
	// Timeout bounds how long a single command may run. Zero means no
	// additional timeout beyond the Registry's own per-call timeout.
	Timeout time.Duration
}

// New builds a shell Tool rooted at workDir.
func New(workDir string, timeout time.Duration) *Tool {
	return &Tool{WorkDir: workDir, Timeout: timeout}
}

func (t *Tool) Name() string        { return "shell" }
func (t *Tool) Description() string { return "Execute a shell command and return its output." }

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to execute."}
		},
		"required": ["command"]
	}`)
}

func (t *Tool) RequiredParams() []string { return []string{"command"} }

// Execute runs args["command"], rejecting anything matching the block-list
// before ever invoking a shell.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (models.ToolResult, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return models.ToolResult{Success: false, Error: "command is required"}, nil
	}

	if blocked, msg := isBlocked(command); blocked {
		return models.ToolResult{Success: false, Error: msg}, nil
	}

	if reason := suspiciousControlChars(command); reason != "" {
		return models.ToolResult{Success: false, Error: reason}, nil
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if t.WorkDir != "" {
		cmd.Dir = t.WorkDir
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &truncatingWriter{limit: MaxStdoutBytes, buf: &stdout}
	cmd.Stderr = &truncatingWriter{limit: MaxStderrBytes, buf: &stderr}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	success := runErr == nil
	var errMsg string
	if runErr != nil {
		errMsg = runErr.Error()
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	return models.ToolResult{
		Success:    success,
		Output:     output,
		Error:      errMsg,
		DurationMs: float64(duration.Milliseconds()),
		Metadata: map[string]any{
			"exit_code": exitCode(runErr),
		},
	}, nil
}

// isBlocked classifies command against the exact block-list and prefix-list,
// returning the exact error message the reference tool would produce.
func isBlocked(command string) (bool, string) {
	normalized := strings.ToLower(strings.TrimSpace(command))

	if _, ok := blockedCommands[normalized]; ok {
		return true, fmt.Sprintf("Blocked command: %s", command)
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true, fmt.Sprintf("Blocked command prefix: %s", prefix)
		}
	}
	return false, ""
}

// suspiciousControlChars is a defense-in-depth check layered on top of the
// block-list: an embedded null byte or raw control character can never be
// part of a legitimate shell command and is most often an attempt to smuggle
// a second command past string-based block-list matching.
func suspiciousControlChars(command string) string {
	if strings.ContainsRune(command, 0) {
		return "command contains a null byte"
	}
	if controlChars.MatchString(command) {
		return "command contains control characters"
	}
	return ""
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

type truncatingWriter struct {
	limit int
	buf   *strings.Builder
}

func (w *truncatingWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // silently drop past the limit, as the reference tool truncates rather than errors
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
