// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package lifecycle tracks whether a long-running component is serving.
package lifecycle

import "sync/atomic"

// The status type
type Status int32

const (
	Stopped Status = iota
	Started
	Stopping
)

func (s Status) String() string {
	switch s {
	case Started:
		return "Started"
	case Stopped:
		return "Stopped"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Tracker holds a Status that is safe to read while another goroutine changes it. The zero
// value is Stopped.
type Tracker struct {
	status atomic.Int32
}

func (t *Tracker) Status() Status {
	return Status(t.status.Load())
}

func (t *Tracker) Set(s Status) {
	t.status.Store(int32(s))
}

// Transition moves from one status to another, reporting false if the current status was
// not from.
func (t *Tracker) Transition(from, to Status) bool {
	return t.status.CompareAndSwap(int32(from), int32(to))
}
