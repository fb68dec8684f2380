//go:build unix

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func runScript(t *testing.T, sup *Supervisor, body string, inv *Invocation) *RunResult {
	t.Helper()
	dir := t.TempDir()
	inv.Path = writeScript(t, dir, "script.sh", body, 0o755)
	if inv.Dir == "" {
		inv.Dir = dir
	}
	if inv.Env == nil {
		inv.Env = []string{"PATH=/usr/bin:/bin"}
	}
	res, err := sup.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestSupervisorEchoesStdin(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	res := runScript(t, NewSupervisor(0, 0), "printf 'Content-Type: text/plain\\n\\n'\ncat\n", &Invocation{
		Stdin:   bytes.NewReader(payload),
		Timeout: 10 * time.Second,
	})
	if res.TimedOut || res.ExitCode != 0 {
		t.Fatalf("timed out %v exit %d", res.TimedOut, res.ExitCode)
	}
	want := append([]byte("Content-Type: text/plain\n\n"), payload...)
	if !bytes.Equal(res.Stdout, want) {
		t.Errorf("stdout is %d bytes, want %d", len(res.Stdout), len(want))
	}
}

func TestSupervisorOutputBeforeInput(t *testing.T) {
	// writes more than a pipe buffer before reading anything
	payload := bytes.Repeat([]byte("x"), 1<<20)
	res := runScript(t, NewSupervisor(0, 0), "head -c 300000 /dev/zero\ncat >/dev/null\n", &Invocation{
		Stdin:   bytes.NewReader(payload),
		Timeout: 10 * time.Second,
	})
	if res.TimedOut {
		t.Fatalf("deadlocked until the deadline")
	}
	if len(res.Stdout) != 300000 {
		t.Errorf("stdout is %d bytes", len(res.Stdout))
	}
}

func TestSupervisorChildIgnoresStdin(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 4<<20)
	res := runScript(t, NewSupervisor(0, 0), "printf 'X-A: b\\n\\n'\nexit 0\n", &Invocation{
		Stdin:   bytes.NewReader(payload),
		Timeout: 10 * time.Second,
	})
	if res.TimedOut || res.ExitCode != 0 {
		t.Errorf("timed out %v exit %d", res.TimedOut, res.ExitCode)
	}
	if string(res.Stdout) != "X-A: b\n\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestSupervisorTimeout(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"exits on SIGTERM", "while :; do sleep 1; done\n"},
		{"ignores SIGTERM", "trap '' TERM\nwhile :; do sleep 1; done\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := runScript(t, NewSupervisor(300*time.Millisecond, 0), tt.body, &Invocation{
				Timeout: 300 * time.Millisecond,
			})
			elapsed := time.Since(start)
			if !res.TimedOut {
				t.Errorf("expected timeout")
			}
			if elapsed > 3*time.Second {
				t.Errorf("took %s to give up", elapsed)
			}
			if res.ExitCode != -1 {
				t.Errorf("exit code = %d, want -1 for a signalled child", res.ExitCode)
			}
		})
	}
}

func TestSupervisorStalledStdin(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		timedOut bool
		stop     bool
	}{
		{"killed at deadline", "sleep 30\n", true, false},
		{"exits without reading", "sleep 0.2\nprintf 'X-A: b\\n\\n'\n", false, false},
		{"body reader stopped", "sleep 0.2\nprintf 'X-A: b\\n\\n'\n", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// declares 100 bytes, delivers 10, then nothing
			pr, pw := io.Pipe()
			t.Cleanup(func() { pw.Close() })
			go pw.Write([]byte("0123456789"))

			stopped := make(chan struct{})
			inv := &Invocation{
				Stdin:   io.LimitReader(pr, 100),
				Timeout: time.Second,
			}
			if tt.stop {
				inv.StopStdin = func() {
					pr.CloseWithError(errors.New("read deadline"))
					close(stopped)
				}
			}

			start := time.Now()
			res := runScript(t, NewSupervisor(200*time.Millisecond, 0), tt.body, inv)
			elapsed := time.Since(start)

			if res.TimedOut != tt.timedOut {
				t.Errorf("timed out = %v", res.TimedOut)
			}
			if limit := 3 * time.Second; elapsed > limit {
				t.Errorf("Run blocked %s on a stalled body", elapsed)
			}
			if tt.stop {
				select {
				case <-stopped:
				default:
					t.Errorf("StopStdin was not called")
				}
			}
		})
	}
}

func TestSupervisorCancel(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "slow.sh", "sleep 30\n", 0o755)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res, err := NewSupervisor(200*time.Millisecond, 0).Run(ctx, &Invocation{Path: path, Dir: dir, Env: []string{"PATH=/usr/bin:/bin"}, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Canceled || res.TimedOut {
		t.Errorf("canceled %v timed out %v", res.Canceled, res.TimedOut)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("cancel took %s", time.Since(start))
	}
}

func TestSupervisorEnvironmentReplaced(t *testing.T) {
	t.Setenv("CGIGATE_AMBIENT", "leak")
	res := runScript(t, NewSupervisor(0, 0), "printf '%s|%s' \"$CGIGATE_AMBIENT\" \"$ONLY\"\n", &Invocation{
		Env: []string{"ONLY=1"},
	})
	if string(res.Stdout) != "|1" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestSupervisorWorkingDirectory(t *testing.T) {
	wd := t.TempDir()
	res := runScript(t, NewSupervisor(0, 0), "pwd\n", &Invocation{Dir: wd})

	want, _ := filepath.EvalSymlinks(wd)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestSupervisorArgv0(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "argv.sh", "printf '%s' \"$0\"\n", 0o755)
	res, err := NewSupervisor(0, 0).Run(context.Background(), &Invocation{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != path {
		t.Errorf("$0 = %q, want %q", res.Stdout, path)
	}
}

func TestSupervisorOutputCap(t *testing.T) {
	res := runScript(t, NewSupervisor(0, 10), "head -c 100000 /dev/zero\n", &Invocation{})
	if !res.Overflow {
		t.Errorf("expected overflow")
	}
	if len(res.Stdout) != 10 {
		t.Errorf("kept %d bytes", len(res.Stdout))
	}
	if res.TimedOut {
		t.Errorf("child blocked on a full pipe")
	}
}

func TestSupervisorExitCode(t *testing.T) {
	res := runScript(t, NewSupervisor(0, 0), "echo oops >&2\nexit 3\n", &Invocation{})
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if len(res.Stdout) != 0 {
		t.Errorf("stderr leaked into stdout: %q", res.Stdout)
	}
}

func TestSupervisorStartFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSupervisor(0, 0).Run(context.Background(), &Invocation{
		Path: filepath.Join(dir, "missing.sh"),
		Dir:  dir,
	})
	if err == nil {
		t.Errorf("expected start error")
	}

	bad := filepath.Join(dir, "bad.sh")
	if err := os.WriteFile(bad, []byte("#!/nonexistent/interpreter\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err = NewSupervisor(0, 0).Run(context.Background(), &Invocation{Path: bad, Dir: dir})
	if err == nil {
		t.Errorf("expected start error for a missing interpreter")
	}
}
