package cli

import "os"

// RunWithSignals runs a, delivering the signals sent on signals instead of the process ones.
func RunWithSignals(a App, signals chan os.Signal) int {
	return run(a, signals)
}
