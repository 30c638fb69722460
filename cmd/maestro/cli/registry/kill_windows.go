//go:build windows

package registry

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/maestroio/cli/cmd/maestro/cli/logging"
)

func configureSysProcAttr(_ *exec.Cmd) {}

// gracefulSignal has no Windows equivalent at this stage; the termination
// protocol proceeds directly to taskkill.
func gracefulSignal(_ *exec.Cmd) error {
	return errors.New("graceful signal unsupported on windows")
}

// killByPID forcibly terminates the process tree via taskkill.
func killByPID(ctx context.Context, pid int) {
	out, err := exec.CommandContext(ctx, "taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		logging.Debug(ctx, "taskkill failed",
			slog.Int("pid", pid),
			slog.String("output", string(out)),
			slog.Any("error", err),
		)
	}
}
