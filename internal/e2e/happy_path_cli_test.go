package e2e_test

import (
	"bytes"
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
	"runtime"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"agentlisten/internal/config"
)

var testBinaryPath string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "agentlisten-e2e-bin-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "e2e setup failed: %v\n", err)
		os.Exit(1)
	}

	binName := "agentlisten"
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	testBinaryPath = filepath.Join(tmpDir, binName)

	buildCmd := exec.Command("go", "build", "-o", testBinaryPath, "./cmd/agentlisten")
	buildCmd.Dir = repoRoot()
	buildCmd.Env = os.Environ()
	if out, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "e2e binary build failed: %v\n%s\n", err, string(out))
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

const rulesYAML = `
agents:
  - id: helper
    name: Helper
rules:
  - id: greet
    name: greet
    agent: helper
    trigger_type: regex
    trigger_condition:
      pattern: '\bhello\b'
      ignore_case: true
    response_type: auto_reply
    response_content:
      reply_template: "{agent_name} waves at {user}"
`

type serverHandle struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan error
	baseURL string
	cfgPath string
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
}

func TestE2E_HappyPath(t *testing.T) {
	homeDir := t.TempDir()
	port, err := freePort()
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	h, err := startServer(homeDir, port)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stopServer(h, 6*time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var agents []map[string]any
	if err := runCLIJSON(ctx, &agents, "--base-url", h.baseURL, "--json", "agents", "list"); err != nil {
		t.Fatalf("agents list: %v", err)
	}
	if len(agents) != 1 || agents[0]["name"] != "Helper" {
		t.Fatalf("rules file agents not loaded: %v", agents)
	}

	var responses []map[string]any
	if err := runCLIJSON(ctx, &responses, "--base-url", h.baseURL, "send", "--group", "g1", "--sender", "sam", "Hello team"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(responses) != 1 || responses[0]["content"] != "Helper waves at sam" {
		t.Fatalf("unexpected responses: %v", responses)
	}

	var queued map[string]any
	if err := runCLIJSON(ctx, &queued, "--base-url", h.baseURL, "send", "--queue", "--group", "g1", "--sender", "sam", "hello again"); err != nil {
		t.Fatalf("queued send: %v", err)
	}
	if id, _ := queued["message_id"].(string); id == "" {
		t.Fatalf("queued send without id: %v", queued)
	}

	var rules []map[string]any
	if err := runCLIJSON(ctx, &rules, "--base-url", h.baseURL, "rules", "list", "--agent", "helper"); err != nil {
		t.Fatalf("rules list: %v", err)
	}
	if len(rules) != 1 || rules[0]["id"] != "greet" {
		t.Fatalf("unexpected rules: %v", rules)
	}

	// The queued message is handled by the dispatcher; wait for it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var stats map[string]any
		if err := runCLIJSON(ctx, &stats, "--base-url", h.baseURL, "stats"); err != nil {
			t.Fatalf("stats: %v", err)
		}
		if nestedFloat(stats, "dispatcher", "processed") >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher never processed the queued message: %v", stats)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestE2E_ServerTeardown_IsClean(t *testing.T) {
	homeDir := t.TempDir()
	port, err := freePort()
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	h, err := startServer(homeDir, port)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := stopServer(h, 6*time.Second); err != nil {
		t.Fatalf("stop server: %v stderr=%s", err, h.stderr.String())
	}
	if !waitForHealthDown(h.baseURL, 4*time.Second) {
		t.Fatal("health endpoint still reachable after teardown")
	}
	if !strings.Contains(h.stderr.String(), "server stopped") {
		t.Fatalf("missing shutdown log line: %s", h.stderr.String())
	}
}

func startServer(homeDir string, port int) (*serverHandle, error) {
	cfgPath, err := writeIsolatedConfig(homeDir, port)
	if err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, testBinaryPath, "--config", cfgPath, "server")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start server: %w", err)
	}

	h := &serverHandle{
		cmd:     cmd,
		cancel:  cancel,
		done:    make(chan error, 1),
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		cfgPath: cfgPath,
		stdout:  stdout,
		stderr:  stderr,
	}
	go func() {
		h.done <- cmd.Wait()
	}()

	if err := waitForReady(h, 25*time.Second); err != nil {
		_ = stopServer(h, 3*time.Second)
		return nil, err
	}
	return h, nil
}

// stopServer interrupts the process first so the graceful path runs; the
// context kill is only the fallback.
func stopServer(h *serverHandle, timeout time.Duration) error {
	if h == nil {
		return nil
	}
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case err := <-h.done:
		h.cancel()
		return err
	case <-time.After(timeout):
		h.cancel()
		select {
		case <-h.done:
			return errors.New("server needed to be killed")
		case <-time.After(2 * time.Second):
			return errors.New("server did not exit after kill")
		}
	}
}

func waitForReady(h *serverHandle, timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case err := <-h.done:
			return fmt.Errorf("server exited early: %v stderr=%s stdout=%s", err, h.stderr.String(), h.stdout.String())
		default:
		}
		resp, err := client.Get(h.baseURL + "/healthz")
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
		lastErr = err
		time.Sleep(150 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for readiness: %v stderr=%s", lastErr, h.stderr.String())
}

func runCLI(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, testBinaryPath, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

func runCLIJSON(ctx context.Context, out any, args ...string) error {
	stdout, stderr, err := runCLI(ctx, args...)
	if err != nil {
		return fmt.Errorf("%w stderr=%s", err, stderr)
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return fmt.Errorf("decode json output: %w stdout=%s", err, stdout)
	}
	return nil
}

func writeIsolatedConfig(homeDir string, port int) (string, error) {
	rulesPath := filepath.Join(homeDir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(rulesYAML), 0o600); err != nil {
		return "", err
	}
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Database.Path = filepath.Join(homeDir, "data.db")
	cfg.Dispatcher.PollInterval = "20ms"
	cfg.Dispatcher.SummarizeLatency = ""
	cfg.Dispatcher.SearchLatency = ""
	cfg.Rules.File = rulesPath
	cfg.Rules.Watch = false
	cfg.Maintenance.Enabled = false
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	cfgPath := filepath.Join(homeDir, "agentlisten.yaml")
	if err := os.WriteFile(cfgPath, b, 0o600); err != nil {
		return "", err
	}
	return cfgPath, nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected listener addr type")
	}
	return addr.Port, nil
}

func waitForHealthDown(baseURL string, timeout time.Duration) bool {
	client := &http.Client{Timeout: 350 * time.Millisecond}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(strings.TrimRight(baseURL, "/") + "/healthz")
		if err != nil {
			return true
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		time.Sleep(120 * time.Millisecond)
	}
	return false
}

func nestedFloat(m map[string]any, path ...string) float64 {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0
		}
		cur = obj[key]
	}
	f, _ := cur.(float64)
	return f
}

func repoRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
