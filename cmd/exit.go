package cmd

import (
	"os"
	"time"
)

// spinnerInterval is the frame rate for the apply command's progress
// spinner.
const spinnerInterval = 100 * time.Millisecond

// osExit is a seam so tests can observe a command's intended exit code
// without actually terminating the test binary.
var osExit = os.Exit

func exitWith(code int) {
	osExit(code)
}
