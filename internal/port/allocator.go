// Package port finds unused local TCP ports for processes that serve on
// loopback.
package port

import (
	"fmt"
	"net"
)

const defaultAttempts = 16

// Allocator hands out a port that is free at the time of the call.
// inUse reports ports the caller already holds; Allocate never returns one of
// those. inUse may be nil.
type Allocator interface {
	Allocate(inUse func(int) bool) (int, error)
}

// TCPAllocator asks the OS for an ephemeral port by binding to port 0 on Host.
type TCPAllocator struct {
	Host     string
	Attempts int
}

// NewTCPAllocator returns an allocator that binds on 127.0.0.1.
func NewTCPAllocator() *TCPAllocator {
	return &TCPAllocator{Host: "127.0.0.1", Attempts: defaultAttempts}
}

// Allocate binds an ephemeral port, reads the assigned value back and releases
// the listener. It retries when the OS hands back a port inUse claims.
func (a *TCPAllocator) Allocate(inUse func(int) bool) (int, error) {
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	for i := 0; i < attempts; i++ {
		p, err := bindEphemeral(host)
		if err != nil {
			return 0, err
		}
		if inUse == nil || !inUse(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("find available port: no free port after %d attempts", attempts)
}

func bindEphemeral(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("find available port: %w", err)
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("find available port: unexpected address %v", ln.Addr())
	}
	return addr.Port, nil
}

// Func adapts a function to the Allocator interface.
type Func func(inUse func(int) bool) (int, error)

// Allocate calls f.
func (f Func) Allocate(inUse func(int) bool) (int, error) { return f(inUse) }
