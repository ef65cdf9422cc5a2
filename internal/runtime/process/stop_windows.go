//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func configureCmdSysProcAttr(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Interrupt delivery is unsupported for some process kinds on
		// Windows; fall through to the kill path.
		return nil
	}
	return nil
}

func killProcess(cmd *exec.Cmd) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
