package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildStandaloneBinary builds cmd/insurechat and copies the binary into an
// empty directory outside the repository.
func buildStandaloneBinary(t *testing.T) (binary, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary copy/exec test is unix-focused")
	}

	goModPathBytes, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err, "go env GOMOD")
	goModPath := strings.TrimSpace(string(goModPathBytes))
	require.NotEmpty(t, goModPath, "go env GOMOD returned empty")

	builtPath := filepath.Join(t.TempDir(), "insurechat")
	build := exec.Command("go", "build", "-o", builtPath, "./cmd/insurechat")
	build.Dir = filepath.Dir(goModPath)
	build.Env = os.Environ()
	out, err := build.CombinedOutput()
	require.NoError(t, err, "go build:\n%s", out)

	dir = t.TempDir()
	binary = filepath.Join(dir, "insurechat")
	data, err := os.ReadFile(builtPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(binary, data, 0o755))
	return binary, dir
}

// isolatedEnv keeps the binary away from the developer's config and .env.
func isolatedEnv(t *testing.T, extra ...string) []string {
	t.Helper()
	home := t.TempDir()
	env := make([]string, 0, len(os.Environ())+len(extra)+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "INSURECHAT_") || strings.HasPrefix(kv, "OPENAI_") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "HOME="+home, "XDG_CONFIG_HOME="+filepath.Join(home, ".config"))
	return append(env, extra...)
}

// listenLoopback opens an IPv4 loopback listener or skips in sandboxes
// that forbid sockets.
func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping: loopback sockets unavailable: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

// fakeProvider answers /chat/completions the way the OpenAI API does.
func fakeProvider(t *testing.T, reply string) (baseURL string, calls func() int) {
	t.Helper()

	var (
		mu    sync.Mutex
		count int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-standalone" {
			http.Error(w, `{"error":{"message":"unexpected request"}}`, http.StatusBadRequest)
			return
		}
		mu.Lock()
		count++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}, "finish_reason": "stop"},
			},
		})
	})

	ts := &httptest.Server{
		Listener: listenLoopback(t),
		Config:   &http.Server{Handler: handler},
	}
	ts.Start()
	t.Cleanup(ts.Close)

	return ts.URL + "/v1", func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	listener := listenLoopback(t)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// syncBuffer collects process output written from exec's copy goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStandaloneBinaryVersionAndHelpWorkOutsideRepo(t *testing.T) {
	binary, dir := buildStandaloneBinary(t)

	for _, args := range [][]string{{"version"}, {"version", "--extended"}, {"--help"}} {
		cmd := exec.Command(binary, args...)
		cmd.Dir = dir
		cmd.Env = isolatedEnv(t)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v failed:\n%s", args, out)
	}
}

func TestStandaloneBinaryHealthCommand(t *testing.T) {
	binary, dir := buildStandaloneBinary(t)

	ok := exec.Command(binary, "health")
	ok.Dir = dir
	ok.Env = isolatedEnv(t, "OPENAI_API_KEY=sk-standalone")
	out, err := ok.CombinedOutput()
	require.NoError(t, err, "health failed:\n%s", out)

	missingKey := exec.Command(binary, "health")
	missingKey.Dir = dir
	missingKey.Env = isolatedEnv(t)
	out, err = missingKey.CombinedOutput()
	require.Error(t, err, "health should fail without an API key:\n%s", out)
}

func TestStandaloneBinaryServesChat(t *testing.T) {
	binary, dir := buildStandaloneBinary(t)
	baseURL, providerCalls := fakeProvider(t, "Umbrella policies sit above auto and home liability.")
	port := freePort(t)

	var output syncBuffer
	serve := exec.Command(binary, "serve")
	serve.Dir = dir
	serve.Stdout = &output
	serve.Stderr = &output
	serve.Env = isolatedEnv(t,
		"OPENAI_API_KEY=sk-standalone",
		"OPENAI_BASE_URL="+baseURL,
		"INSURECHAT_SERVER_HOST=127.0.0.1",
		fmt.Sprintf("INSURECHAT_SERVER_PORT=%d", port),
		"INSURECHAT_METRICS_ENABLED=false",
		"INSURECHAT_RATE_LIMIT_MAX_REQUESTS=2",
	)
	require.NoError(t, serve.Start())

	exited := make(chan error, 1)
	go func() { exited <- serve.Wait() }()
	t.Cleanup(func() {
		_ = serve.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(10 * time.Second):
			_ = serve.Process.Kill()
			<-exited
		}
		if t.Failed() {
			t.Logf("serve output:\n%s", output.String())
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{Timeout: 5 * time.Second}

	require.Eventually(t, func() bool {
		resp, err := client.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 15*time.Second, 100*time.Millisecond, "server never became healthy")

	postChat := func(forwardedFor string) (int, string) {
		body := `{"messages":[{"role":"user","content":"What does an umbrella policy cover?"}]}`
		req, err := http.NewRequest(http.MethodPost, base+"/chat", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var payload map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		reply, _ := payload["reply"].(string)
		return resp.StatusCode, reply
	}

	status, reply := postChat("198.51.100.1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Umbrella policies sit above auto and home liability.", reply)

	status, _ = postChat("198.51.100.2")
	require.Equal(t, http.StatusOK, status)

	// Forwarded headers are not trusted by default, so rotating them does
	// not buy a fresh window.
	status, _ = postChat("198.51.100.3")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, 2, providerCalls())
}
