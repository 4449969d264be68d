package process

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"testing"

	cmdexec "github.com/askcontinue/askcontinue-core/exec"
)

func TestAlive_Self(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("current process should be alive")
	}
}

func TestAlive_NonPositive(t *testing.T) {
	for _, pid := range []int{0, -1, -4242} {
		if Alive(pid) {
			t.Errorf("Alive(%d) = true, want false", pid)
		}
	}
}

func TestAlive_ExitedChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("child failed: %v", err)
	}

	// Reaped by Wait, so the pid no longer names a process.
	if Alive(pid) {
		t.Errorf("Alive(%d) = true after child exited", pid)
	}
}

func TestAlive_RunningChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	if !Alive(cmd.Process.Pid) {
		t.Errorf("Alive(%d) = false for running child", cmd.Process.Pid)
	}
}

func TestTasklistHasPID(t *testing.T) {
	output := "\"node.exe\",\"1234\",\"Console\",\"1\",\"50,000 K\"\r\n" +
		"\"askcontinue.exe\",\"5678\",\"Console\",\"1\",\"9,000 K\"\r\n"

	tests := []struct {
		name   string
		output string
		pid    int
		want   bool
	}{
		{"first row", output, 1234, true},
		{"second row", output, 5678, true},
		{"absent", output, 42, false},
		{"no tasks message", "INFO: No tasks are running which match the specified criteria.\r\n", 1234, false},
		{"empty", "", 1234, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tasklistHasPID(tt.output, tt.pid); got != tt.want {
				t.Errorf("tasklistHasPID(%d) = %v, want %v", tt.pid, got, tt.want)
			}
		})
	}
}

func TestAliveWindows(t *testing.T) {
	row := []byte("\"askcontinue.exe\",\"5678\",\"Console\",\"1\",\"9,000 K\"\r\n")
	tests := []struct {
		name string
		resp cmdexec.MockResponse
		want bool
	}{
		{"listed", cmdexec.MockResponse{Stdout: row}, true},
		{"not listed", cmdexec.MockResponse{Stdout: []byte("INFO: No tasks are running which match the specified criteria.\r\n")}, false},
		{"tasklist failed", cmdexec.MockResponse{Err: errors.New("not found")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := cmdexec.NewMockExecutor()
			mock.AddPrefixMatch("tasklist", []string{"/FI", "PID eq 5678"}, tt.resp)
			prev := cmdexec.SetDefault(mock)
			defer cmdexec.SetDefault(prev)

			if got := aliveWindows(5678); got != tt.want {
				t.Errorf("aliveWindows = %v, want %v", got, tt.want)
			}
			if calls := mock.Calls(); len(calls) != 1 || calls[0].Name != "tasklist" {
				t.Errorf("calls = %+v", calls)
			}
		})
	}
}
