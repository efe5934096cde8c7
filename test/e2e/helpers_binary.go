//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/eventual/pkg/eventual"
	"github.com/hyperengineering/eventual/pkg/storage/sqlite"
	"github.com/hyperengineering/eventual/pkg/transport/httptransport"
)

const (
	e2eAppID  = "e2e-app"
	e2eAPIKey = "e2e-test-api-key"
)

// devServer manages a running `eventual devserver` process.
type devServer struct {
	cmd     *exec.Cmd
	port    int
	logFile string
}

// startDevServer launches the reference object store on port and waits for
// it to become healthy.
func startDevServer(t *testing.T, port int) *devServer {
	t.Helper()
	requireEventual(t)

	dir := t.TempDir()
	logFile := filepath.Join(dir, "devserver.log")
	cmd := exec.Command(eventualBin, "devserver", "--port", fmt.Sprint(port))
	cmd.Env = append(os.Environ(), cliEnv(dir, "")...)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start devserver: %v", err)
	}

	s := &devServer{cmd: cmd, port: port, logFile: logFile}
	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		log, _ := os.ReadFile(logFile)
		t.Fatalf("devserver not healthy: %v\n%s", err, log)
	}
	return s
}

func (s *devServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

func (s *devServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := baseURL(s.port) + "/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("devserver not healthy after %s", timeout)
}

// listClass returns the objects of className held by the server.
func (s *devServer) listClass(t *testing.T, className string) []map[string]any {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, baseURL(s.port)+"/classes/"+className, nil)
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list %s: %v", className, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list %s: status %d", className, resp.StatusCode)
	}
	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("list %s decode: %v", className, err)
	}
	return out.Results
}

func baseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// cliEnv configures the binary entirely through environment variables.
func cliEnv(dir, remote string) []string {
	env := []string{
		"EVENTUAL_CONFIG_PATH=" + filepath.Join(dir, "nonexistent.yaml"),
		"EVENTUAL_APP_ID=" + e2eAppID,
		"EVENTUAL_API_KEY=" + e2eAPIKey,
		"EVENTUAL_STORAGE_DRIVER=sqlite",
		"EVENTUAL_STORAGE_PATH=" + filepath.Join(dir, "queue.db"),
		"EVENTUAL_LOG_LEVEL=debug",
	}
	if remote != "" {
		env = append(env, "EVENTUAL_REMOTE_URL="+remote)
	}
	return env
}

// runCLI runs the binary with the queue stored in dir.
func runCLI(t *testing.T, dir, remote string, args ...string) string {
	t.Helper()
	requireEventual(t)
	cmd := exec.Command(eventualBin, args...)
	cmd.Env = append(os.Environ(), cliEnv(dir, remote)...)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		t.Fatalf("eventual %v: %v\n%s", args, err, stderr)
	}
	return string(out)
}

// newClient opens a client whose offline queue lives in dir, the same file
// the binary uses.
func newClient(t *testing.T, dir string, port int) *eventual.Client {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open queue db: %v", err)
	}
	tr, err := httptransport.New(httptransport.Config{
		BaseURL:       baseURL(port),
		ApplicationID: e2eAppID,
		APIKey:        e2eAPIKey,
		Timeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := eventual.New(eventual.Config{
		ApplicationID: e2eAppID,
		Transport:     tr,
		Storage:       db,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = db.Close()
	})
	return c
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
