// Package ports finds free TCP ports for the managed services.
package ports

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoFreePort is returned when the scan window contains no free port.
var ErrNoFreePort = errors.New("no free port in scan window")

const probeTimeout = 250 * time.Millisecond

// Prober reports whether a local TCP port currently has a listener.
type Prober interface {
	InUse(port int) bool
}

// DialProber connect-probes 127.0.0.1. A completed connect means a listener
// holds the port; a refused or timed-out dial means free. This is the
// portable check; it needs no process-inspection tooling.
type DialProber struct {
	Timeout time.Duration
}

func (p DialProber) InUse(port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = probeTimeout
	}
	address := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ListenProber binds the port directly. Stricter than DialProber: it also
// catches listeners bound to other interfaces.
type ListenProber struct{}

func (ListenProber) InUse(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}

// Locator scans for free ports using a Prober.
type Locator struct {
	prober Prober
}

func NewLocator(prober Prober) *Locator {
	if prober == nil {
		prober = DialProber{}
	}
	return &Locator{prober: prober}
}

// FindFree returns the first port in [start, start+maxAttempts) without a
// listener. The result can be stale by spawn time; callers re-verify through
// the launcher's conflict detection.
func (l *Locator) FindFree(start, maxAttempts int) (int, error) {
	if l == nil || start <= 0 || start > 65535 {
		return 0, fmt.Errorf("invalid scan base %d", start)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for offset := 0; offset < maxAttempts; offset++ {
		candidate := start + offset
		if candidate > 65535 {
			break
		}
		if !l.prober.InUse(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: %d..%d occupied", ErrNoFreePort, start, start+maxAttempts-1)
}

// IsFree reports whether a single port has no listener.
func (l *Locator) IsFree(port int) bool {
	if l == nil || port <= 0 {
		return false
	}
	return !l.prober.InUse(port)
}
