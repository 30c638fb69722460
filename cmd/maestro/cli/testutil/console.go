//go:build unix

package testutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
)

// RunInteractive executes a command under a pty, allowing interactive prompt
// responses. The respond function receives the pty for reading output and
// writing input, and should return the output it read.
func RunInteractive(cmd *exec.Cmd, respond func(ptyFile *os.File) string) (string, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to start pty: %w", err)
	}
	defer func() { _ = ptmx.Close() }()

	var respondOutput string
	respondDone := make(chan struct{})
	go func() {
		defer close(respondDone)
		respondOutput = respond(ptmx)
	}()

	select {
	case <-respondDone:
	case <-time.After(10 * time.Second):
		// respond timed out; the process gets killed below
	}

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- cmd.Wait() }()

	var cmdErr error
	select {
	case cmdErr = <-cmdDone:
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		cmdErr = fmt.Errorf("process timed out")
	}

	return respondOutput, cmdErr
}

// WaitForPromptAndRespond reads from the pty until it sees the expected
// prompt text, then writes the response. Returns the output read so far.
func WaitForPromptAndRespond(ptyFile *os.File, promptSubstring, response string, timeout time.Duration) (string, error) {
	var output bytes.Buffer
	buf := make([]byte, 1024)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		_ = ptyFile.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := ptyFile.Read(buf)
		if n > 0 {
			output.Write(buf[:n])
			if strings.Contains(output.String(), promptSubstring) {
				_, _ = ptyFile.WriteString(response)
				return output.String(), nil
			}
		}
		if err != nil && !os.IsTimeout(err) {
			return output.String(), err
		}
	}
	return output.String(), fmt.Errorf("timeout waiting for prompt containing %q", promptSubstring)
}
