//go:build unix

package registry

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/maestroio/cli/cmd/maestro/cli/logging"
)

// configureSysProcAttr places the child in its own process group so the
// forced-kill stage can reach grandchildren.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// gracefulSignal sends SIGTERM through the held handle.
func gracefulSignal(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}

// killByPID shells out to the platform kill utility, targeting the child's
// process group: TERM first, KILL one second later if anything survives.
func killByPID(ctx context.Context, pid int) {
	group := "-" + strconv.Itoa(pid)

	if out, err := exec.CommandContext(ctx, "kill", "-TERM", "--", group).CombinedOutput(); err != nil {
		logging.Debug(ctx, "kill -TERM failed",
			slog.Int("pid", pid),
			slog.String("output", string(out)),
			slog.Any("error", err),
		)
	}

	time.Sleep(forcedKillWait)

	if out, err := exec.CommandContext(ctx, "kill", "-KILL", "--", group).CombinedOutput(); err != nil {
		logging.Debug(ctx, "kill -KILL failed",
			slog.Int("pid", pid),
			slog.String("output", string(out)),
			slog.Any("error", err),
		)
	}
}
