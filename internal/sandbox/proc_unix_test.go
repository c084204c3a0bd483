//go:build unix

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func assertChildGone(t *testing.T, pidFile string) {
	t.Helper()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Skipf("child pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("bad pid %q", data)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("background child %d survived the timeout", pid)
}

// processAlive treats zombies as dead; they are waiting on a reaper we do not control.
func processAlive(pid int) bool {
	if stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
		return len(fields) > 0 && fields[0] != "Z" && fields[0] != "X"
	}
	return syscall.Kill(pid, 0) == nil
}

func TestRun_BackgroundChildAfterCleanExitKeepsOutput(t *testing.T) {
	r := newShellRunner(t)
	script := "echo done\nsleep 30 &\necho $! > child.pid\nexit 0\n"

	start := time.Now()
	res, err := r.Run(context.Background(), script, 20*time.Second)
	if err != nil {
		t.Fatalf("clean exit must not be an error: %v", err)
	}
	defer Cleanup(res)

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("run waited on the background child for %v", elapsed)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "done" {
		t.Errorf("unexpected result: exit %d stdout %q", res.ExitCode, res.Stdout)
	}
	assertChildGone(t, filepath.Join(res.WorkDir, "child.pid"))
}
