//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/cseassist/internal/testutil"
	openai "github.com/sashabaranov/go-openai"
)

const apiToken = "e2e-token"

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RustFSC    *testutil.RustFSContainer
	Generation *FakeGeneration
	ServerURL  string
	BinaryDir  string
	SourceDir  string
	IndexDir   string
	ConfigDir  string
	HTTPClient *http.Client

	daemon *exec.Cmd
}

// FakeGeneration answers chat completions with a fixed text and records what it was sent.
type FakeGeneration struct {
	*httptest.Server

	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
}

func newFakeGeneration(answer string) *FakeGeneration {
	f := &FakeGeneration{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range strings.SplitAfter(answer, " ") {
			chunk := openai.ChatCompletionStreamResponse{
				ID:     "chatcmpl-e2e",
				Object: "chat.completion.chunk",
				Model:  req.Model,
				Choices: []openai.ChatCompletionStreamChoice{
					{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: word}},
				},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	return f
}

// Requests returns the chat completion requests received so far.
func (f *FakeGeneration) Requests() []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), f.requests...)
}

// SetupE2EEnv starts Postgres and RustFS, builds the binaries and runs csed
// over the given corpus.
func SetupE2EEnv(t *testing.T, corpus map[string]string, answer string) *E2ETestEnv {
	ctx := context.Background()

	env := &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		PostgresC:  testutil.NewPostgresContainer(ctx, t),
		RustFSC:    testutil.NewRustFSContainer(ctx, t),
		Generation: newFakeGeneration(answer),
		SourceDir:  t.TempDir(),
		IndexDir:   filepath.Join(t.TempDir(), "faiss_index"),
		ConfigDir:  t.TempDir(),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	for name, content := range corpus {
		if err := os.WriteFile(filepath.Join(env.SourceDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write corpus file: %v", err)
		}
	}

	env.BuildBinaries()

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	env.ServerURL = fmt.Sprintf("http://localhost:%d", port)
	env.startDaemon(port)
	return env
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.daemon != nil && e.daemon.Process != nil {
		_ = e.daemon.Process.Signal(os.Interrupt)
		_ = e.daemon.Wait()
	}
	if e.Generation != nil {
		e.Generation.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

// BuildBinaries builds the cse and csed binaries
func (e *E2ETestEnv) BuildBinaries() {
	tmpDir, err := os.MkdirTemp("", "cse-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	for _, name := range []string{"csed", "cse"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, name), "./cmd/"+name)
		cmd.Dir = "../.."
		if out, err := cmd.CombinedOutput(); err != nil {
			e.T.Fatalf("failed to build %s: %v\n%s", name, err, out)
		}
	}
}

// daemonEnv is the environment csed runs with.
func (e *E2ETestEnv) daemonEnv() []string {
	accessKey, secretKey := e.RustFSC.Credentials()
	return append(os.Environ(),
		"CSE_API_TOKEN="+apiToken,
		"CSE_SOURCE_DIR="+e.SourceDir,
		"CSE_SOURCE_EXTENSIONS=.txt,.md",
		"CSE_INDEX_DIR="+e.IndexDir,
		"CSE_CHUNK_SIZE=300",
		"CSE_CHUNK_OVERLAP=50",
		"CSE_RETRIEVAL_K=2",
		"CSE_RETRIEVAL_BACKEND=pgvector",
		"CSE_DATABASE_URL="+e.PostgresC.ConnectionString(),
		"CSE_S3_ENDPOINT="+e.RustFSC.Endpoint(),
		"CSE_S3_ACCESS_KEY_ID="+accessKey,
		"CSE_S3_SECRET_ACCESS_KEY="+secretKey,
		"CSE_S3_BUCKET=e2e-index",
		"PERPLEXITY_API_KEY=pplx-e2e",
		"CSE_GENERATION_BASE_URL="+e.Generation.URL,
	)
}

func (e *E2ETestEnv) startDaemon(port int) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "csed"), "serve", "--port", fmt.Sprint(port))
	// migrations are read relative to the working directory
	cmd.Dir = "../.."
	cmd.Env = e.daemonEnv()
	var logs bytes.Buffer
	cmd.Stdout = &logs
	cmd.Stderr = &logs
	if err := cmd.Start(); err != nil {
		e.T.Fatalf("failed to start csed: %v", err)
	}
	e.daemon = cmd

	if err := waitForServer(e.ServerURL, 60*time.Second); err != nil {
		e.T.Fatalf("%v\ncsed output:\n%s", err, logs.String())
	}
}

// RunCSED runs a one-shot csed command against the same stores as the daemon.
// Only stdout is returned; logs are folded into the error.
func (e *E2ETestEnv) RunCSED(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "csed"), args...)
	cmd.Dir = "../.."
	cmd.Env = e.daemonEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("%w\n%s", err, stderr.String())
	}
	return string(out), nil
}

// RunCSE runs the cse client with its own config directory.
func (e *E2ETestEnv) RunCSE(stdin string, args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "cse"), args...)
	cmd.Dir = e.ConfigDir
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"CSE_API_TOKEN="+apiToken,
		"CSE_SERVER_URL="+e.ServerURL,
		"XDG_CONFIG_HOME="+e.ConfigDir,
		"HOME="+e.ConfigDir,
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// APIResponse represents a standard API response
type APIResponse struct {
	StatusCode int
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
}

// Do performs a JSON request and decodes the envelope regardless of status.
func (e *E2ETestEnv) Do(method, path string, body interface{}, authToken string) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, e.ServerURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	apiResp := &APIResponse{StatusCode: resp.StatusCode}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, apiResp); err != nil {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
		}
	}
	return apiResp, nil
}

func waitForServer(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server did not become ready within %v", timeout)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
