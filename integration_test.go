//go:build linux || darwin

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/3cpo-dev/launchpad/pkg/api"
)

// TestFullWorkflow builds both binaries and drives a real agent.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	binDir := t.TempDir()
	if err := buildBinaries(binDir); err != nil {
		t.Fatalf("Failed to build binaries: %v", err)
	}

	t.Run("CLI_Commands", func(t *testing.T) {
		testCLICommands(t, binDir)
	})

	t.Run("Terminate_On_Shutdown", func(t *testing.T) {
		pid := runAgentAndLaunch(t, binDir, true)
		if !waitGone(pid, 10*time.Second) {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			t.Fatalf("child %d survived agent shutdown", pid)
		}
	})

	t.Run("Leave_Running_On_Shutdown", func(t *testing.T) {
		pid := runAgentAndLaunch(t, binDir, false)
		defer func() { _ = syscall.Kill(-pid, syscall.SIGKILL) }()
		if err := syscall.Kill(pid, 0); err != nil {
			t.Fatalf("child %d should outlive the agent: %v", pid, err)
		}
	})
}

func buildBinaries(dir string) error {
	for _, name := range []string{"launchpad", "launchpad-agent"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("build %s failed: %v\nOutput: %s", name, err, output)
		}
	}
	return nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func writeConfig(t *testing.T, dir, listen string, terminate bool) string {
	t.Helper()
	cfg := fmt.Sprintf(`agent:
  listen: %q
  default_target: sleeper
  spawn_timeout_seconds: 5
  terminate_on_shutdown: %t
  log_dir: %q
targets:
  - name: sleeper
    command: ["sleep", "300"]
store:
  driver: sqlite
  dsn: %q
ssh:
  key_dir: %q
  known_hosts: %q
telemetry:
  enabled: false
`, listen, terminate, filepath.Join(dir, "logs"), filepath.Join(dir, "launchpad.db"),
		filepath.Join(dir, "ssh"), filepath.Join(dir, "ssh", "known_hosts"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testCLICommands(t *testing.T, binDir string) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, freeAddr(t), true)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"version", []string{"version"}, "launchpad"},
		{"help", []string{"--help"}, "start"},
		{"targets", []string{"targets"}, "sleeper (default)"},
		{"history", []string{"history"}, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			args := append([]string{"--config", configPath}, test.args...)
			cmd := exec.Command(filepath.Join(binDir, "launchpad"), args...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Command %v failed: %v\nOutput: %s", test.args, err, output)
			}
			if !strings.Contains(string(output), test.want) {
				t.Fatalf("Command %v output missing %q: %s", test.args, test.want, output)
			}
		})
	}
}

// runAgentAndLaunch starts an agent, launches the default target twice, stops
// the agent with SIGTERM and returns the child's pid.
func runAgentAndLaunch(t *testing.T, binDir string, terminate bool) int {
	t.Helper()
	dir := t.TempDir()
	addr := freeAddr(t)
	configPath := writeConfig(t, dir, addr, terminate)
	base := "http://" + addr

	agentCmd := exec.Command(filepath.Join(binDir, "launchpad-agent"), "--config", configPath)
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("Failed to start agent: %v", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- agentCmd.Wait() }()
	defer func() { _ = agentCmd.Process.Kill() }()

	waitHeartbeat(t, base)

	body, code := post(t, base+"/start-streamlit")
	if code != http.StatusOK || body != "Streamlit server started successfully." {
		t.Fatalf("first launch: %d %q", code, body)
	}
	body, code = post(t, base+"/start-streamlit")
	if code != http.StatusOK || body != "Streamlit server is already running." {
		t.Fatalf("second launch: %d %q", code, body)
	}

	resp, err := http.Get(base + "/v0/status/sleeper")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st api.TargetStatus
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != api.StatusRunning || st.PID <= 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	if err := agentCmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal agent: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(20 * time.Second):
		t.Fatalf("agent did not exit")
	}
	return st.PID
}

func waitHeartbeat(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/v0/heartbeat")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("agent at %s never answered", base)
}

func post(t *testing.T, url string) (string, int) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b), resp.StatusCode
}

func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
