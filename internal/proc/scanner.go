package proc

// Match is one process-table row matching a scan signature.
type Match struct {
	PID     int
	Command string
}

// Scanner enumerates running processes whose command line contains a
// signature. It exists to catch managed processes whose pid records were
// deleted out of band; a platform without enumeration support uses
// NullScanner and degrades to record-only reconciliation.
type Scanner interface {
	Scan(signature string) ([]Match, error)
}

// NullScanner reports no matches.
type NullScanner struct{}

func (NullScanner) Scan(string) ([]Match, error) {
	return nil, nil
}
