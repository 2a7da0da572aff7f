//go:build windows

package proc

// NewScanner returns NullScanner: process-table scanning is not implemented
// on windows, so reconciliation relies on pid records alone.
func NewScanner(workDir string) Scanner {
	_ = workDir
	return NullScanner{}
}
