// Package sandbox implements the code-mode sandbox (C8): it synthesizes
// a JavaScript workspace of generated tool-wrapper modules once per
// session, then executes model-submitted code against it as a child
// process that reaches the MCP manager through an ephemeral loopback
// HTTP bridge.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/google/uuid"
)

// executeTimeout bounds one ExecuteCode call's wall-clock time.
const executeTimeout = 120 * time.Second

// Sandbox owns one synthesized workspace for the lifetime of a session.
// ExecuteCode calls are not safe for concurrent use against the same
// Sandbox; the turn orchestrator's at-most-one-live-turn-per-conversation
// rule is what keeps calls serialized in practice.
type Sandbox struct {
	manager ToolSource
	runner  string
	timeout time.Duration

	mu       sync.Mutex
	workDir  string
	prepared bool
}

// New constructs a Sandbox bound to manager. runner is the code-runner
// executable resolved by exec.LookPath when a program is submitted; pass
// "" to use the default ("node").
func New(manager ToolSource, runner string) *Sandbox {
	if strings.TrimSpace(runner) == "" {
		runner = "node"
	}
	return &Sandbox{manager: manager, runner: runner, timeout: executeTimeout}
}

// Prepare synthesizes the workspace if it has not already been built.
// It is idempotent; ExecuteCode calls it automatically.
func (s *Sandbox) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return nil
	}

	dir, err := os.MkdirTemp("", "corvidcore-sandbox-*")
	if err != nil {
		return fmt.Errorf("%w: create sandbox workspace: %v", corerr.TransportError, err)
	}

	catalog := s.manager.GetAllToolsAsync(ctx)
	for relPath, content := range buildWorkspaceFiles(catalog) {
		full := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("%w: create workspace directory: %v", corerr.TransportError, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("%w: write workspace file %s: %v", corerr.TransportError, relPath, err)
		}
	}

	s.workDir = dir
	s.prepared = true
	return nil
}

// Cleanup removes the synthesized workspace. Call it once the session
// holding this Sandbox ends.
func (s *Sandbox) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return nil
	}
	err := os.RemoveAll(s.workDir)
	s.prepared = false
	s.workDir = ""
	return err
}

// ExecuteCode runs one user-submitted program against the synthesized
// workspace. It starts a per-call loopback bridge, spawns the code
// runner with the bridge's port in its environment, and captures stdout
// as the returned result. The call enforces a wall-clock timeout. On
// every exit path the bridge is shut down and the child process is
// reaped before returning; on timeout or cancellation the child's whole
// process group is killed first (on Windows, the direct child only).
func (s *Sandbox) ExecuteCode(ctx context.Context, code string) (string, error) {
	if err := s.Prepare(ctx); err != nil {
		return "", err
	}

	bridge, err := startBridge(s.manager)
	if err != nil {
		return "", err
	}
	defer bridge.shutdown(context.Background())

	s.mu.Lock()
	workDir := s.workDir
	s.mu.Unlock()

	scriptName := fmt.Sprintf("run-%s.mjs", uuid.NewString())
	scriptPath := filepath.Join(workDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("%w: write submitted code: %v", corerr.TransportError, err)
	}
	defer os.Remove(scriptPath)

	return s.run(ctx, workDir, scriptName, bridge.port())
}

func (s *Sandbox) run(ctx context.Context, workDir, scriptName string, bridgePort int) (string, error) {
	cmd := exec.Command(s.runner, scriptName)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "CORVID_BRIDGE_PORT="+strconv.Itoa(bridgePort))
	setProcessGroup(cmd)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: start code runner %q: %v", corerr.TransportError, s.runner, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	select {
	case waitErr := <-waited:
		return s.finish(stdout.String(), stderr.String(), waitErr)
	case <-runCtx.Done():
		killProcessTree(cmd)
		<-waited // always reap before returning
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: code execution exceeded %s", corerr.Timeout, s.timeout)
		}
		return "", fmt.Errorf("%w: code execution cancelled", corerr.Cancelled)
	}
}

func (s *Sandbox) finish(stdout, stderr string, runErr error) (string, error) {
	if runErr == nil {
		return stdout, nil
	}
	benign := filterBenignWarnings(stderr)
	if benign != "" {
		return "", fmt.Errorf("%w: %v: %s", corerr.TransportError, runErr, benign)
	}
	return "", fmt.Errorf("%w: %v", corerr.TransportError, runErr)
}

var benignWarningMarkers = []string{"(node:", "ExperimentalWarning"}

// filterBenignWarnings drops stderr lines matching known benign runtime
// warnings, returning only lines a user would actually want to see.
func filterBenignWarnings(stderr string) string {
	lines := strings.Split(stderr, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		isBenign := false
		for _, marker := range benignWarningMarkers {
			if strings.Contains(trimmed, marker) {
				isBenign = true
				break
			}
		}
		if !isBenign {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
