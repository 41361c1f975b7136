//go:build !windows

package target

import (
	"os/exec"
)

// setupProcAttr configures platform-specific process attributes. On
// Unix-like systems no special attributes are needed.
func setupProcAttr(cmd *exec.Cmd) {
}
