package integration

import (
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/testutil"
)

// instance is a running gatekeep process.
type instance struct {
	baseURL string
	env     []string
	cmd     *exec.Cmd
	fake    *testutil.FakeTwitch
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// gatekeepEnv configures a process entirely through GATEKEEP_* variables,
// pointing the provider at fake and storage at a fresh SQLite file.
func gatekeepEnv(t *testing.T, fake *testutil.FakeTwitch, addr string) []string {
	t.Helper()
	baseURL := "http://" + addr
	p := fake.ProviderConfig(baseURL + "/callback")

	return []string{
		"GATEKEEP_ENV=development",
		"GATEKEEP_SERVER_ADDR=" + addr,
		"GATEKEEP_SERVER_BASE_URL=" + baseURL,
		"GATEKEEP_TWITCH_CLIENT_ID=" + p.ClientID,
		"GATEKEEP_TWITCH_CLIENT_SECRET=" + string(p.ClientSecret),
		"GATEKEEP_TWITCH_REDIRECT_URI=" + p.RedirectURI,
		"GATEKEEP_TWITCH_AUTH_URL=" + p.AuthURL,
		"GATEKEEP_TWITCH_TOKEN_URL=" + p.TokenURL,
		"GATEKEEP_TWITCH_REVOKE_URL=" + p.RevokeURL,
		"GATEKEEP_TWITCH_VALIDATE_URL=" + p.ValidateURL,
		"GATEKEEP_TWITCH_API_URL=" + p.APIURL,
		"GATEKEEP_TWITCH_ISSUER=" + p.Issuer,
		"GATEKEEP_TWITCH_JWKS_URL=" + p.JWKSURL,
		"GATEKEEP_TWITCH_TIMEOUT=2s",
		"GATEKEEP_SESSION_SIGNING_SECRET=" + strings.Repeat("i", 32),
		"GATEKEEP_STORAGE_KIND=sqlite",
		"GATEKEEP_STORAGE_DSN=" + filepath.Join(t.TempDir(), "gatekeep.db"),
		"GATEKEEP_REVOCATION_KIND=memory",
	}
}

// runCLI runs the binary to completion with env and returns its output.
func runCLI(t *testing.T, env []string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(gatekeepBin, args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// startGatekeep launches the server and waits for /health.
func startGatekeep(t *testing.T) *instance {
	t.Helper()
	fake := testutil.NewFakeTwitch(t)
	addr := freeAddr(t)
	inst := &instance{
		baseURL: "http://" + addr,
		env:     gatekeepEnv(t, fake, addr),
		fake:    fake,
	}

	inst.cmd = exec.Command(gatekeepBin)
	inst.cmd.Env = append(os.Environ(), inst.env...)
	if logFile := os.Getenv("GATEKEEP_LOG_FILE"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			inst.cmd.Stdout = f
			inst.cmd.Stderr = f
			t.Cleanup(func() { f.Close() })
		}
	}

	require.NoError(t, inst.cmd.Start())
	t.Cleanup(func() { stopGatekeep(inst.cmd) })

	waitForGatekeep(t, inst.baseURL)
	return inst
}

// stopGatekeep asks for a graceful shutdown and kills after 5 seconds.
// It returns the process exit error.
func stopGatekeep(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil || cmd.ProcessState != nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		return cmd.Wait()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		return fmt.Errorf("gatekeep did not stop in time: %w", <-done)
	}
}

func waitForGatekeep(t *testing.T, baseURL string) {
	t.Helper()
	for range 50 {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("gatekeep failed to become ready after 5 seconds")
}

// browser returns a client with a cookie jar that follows redirects, the
// way a user agent goes through the login round trip.
func browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}
