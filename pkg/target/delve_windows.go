//go:build windows

package target

import (
	"os/exec"
	"syscall"
)

// setupProcAttr keeps the headless server from opening a console window.
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
