package dht

import "errors"

var (
	// ErrTimeout is returned by SendQuery when no response arrives within
	// the per-query timeout.
	ErrTimeout = errors.New("dht: query timeout")
	// ErrQueryFailed is returned when the response channel is closed out
	// from under SendQuery by the timeout sweep (checkTimeouts) racing the
	// per-call timer — a bookkeeping backstop, not the normal timeout path.
	ErrQueryFailed = errors.New("dht: query transaction closed before a response arrived")
	// ErrStopped is returned by in-flight operations once the owning
	// transport has been shut down.
	ErrStopped = errors.New("dht: transport stopped")
	// ErrInvalidMessage marks a KRPC datagram missing a required field.
	ErrInvalidMessage = errors.New("dht: invalid message")
	// ErrNoAddressFamily is returned when a Config enables neither IPv4
	// nor IPv6.
	ErrNoAddressFamily = errors.New("dht: at least one address family must be enabled")
	// ErrNotRunning is returned by node-level operations invoked before
	// Bootstrap or after Close.
	ErrNotRunning = errors.New("dht: node not running")
)
