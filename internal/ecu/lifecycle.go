// Package ecu owns the process-wide lifecycle state machine and the main
// control loop of the virtual ECU. The lifecycle state is the only state
// shared between the control loop and all diagnostic sessions; it lives in a
// single atomically-updated cell and every reader and writer goes through the
// accessor operations below.
package ecu

import (
	"sync"
	"sync/atomic"

	"github.com/vecusim/vecud/internal/observability"
)

// State is the operational state of the ECU.
type State int32

const (
	StateBoot State = iota
	StateApplication
	StateUpdatePending
	StateBricked
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "BOOT"
	case StateApplication:
		return "APPLICATION"
	case StateUpdatePending:
		return "UPDATE_PENDING"
	case StateBricked:
		return "BRICKED"
	default:
		return "UNKNOWN"
	}
}

// Lifecycle is the shared lifecycle cell. BRICKED is terminal: no transition
// leaves it, enforced here rather than at call sites. It also carries the
// restart signal raised when a verified firmware image has been applied.
type Lifecycle struct {
	state atomic.Int32

	restartOnce sync.Once
	restartCh   chan struct{}
}

func NewLifecycle() *Lifecycle {
	l := &Lifecycle{restartCh: make(chan struct{})}
	l.state.Store(int32(StateBoot))
	observability.SetLifecycleState(StateBoot.String())
	return l
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// EnterProgramming moves the ECU into UPDATE_PENDING. Allowed from any state
// except BRICKED; issuing it while already UPDATE_PENDING is a no-op success.
func (l *Lifecycle) EnterProgramming() bool {
	for {
		cur := State(l.state.Load())
		switch cur {
		case StateBricked:
			return false
		case StateUpdatePending:
			return true
		}
		if l.state.CompareAndSwap(int32(cur), int32(StateUpdatePending)) {
			observability.SetLifecycleState(StateUpdatePending.String())
			return true
		}
	}
}

// SetApplication completes a successful boot. Only the BOOT->APPLICATION edge
// exists; any other current state leaves the cell untouched.
func (l *Lifecycle) SetApplication() bool {
	if l.state.CompareAndSwap(int32(StateBoot), int32(StateApplication)) {
		observability.SetLifecycleState(StateApplication.String())
		return true
	}
	return false
}

// Brick moves the ECU into the terminal BRICKED state.
func (l *Lifecycle) Brick() {
	l.state.Store(int32(StateBricked))
	observability.SetLifecycleState(StateBricked.String())
}

// RequestRestart signals that a verified update has been applied and the
// process should exit so the supervisor restarts it into the new image.
// Safe to call more than once.
func (l *Lifecycle) RequestRestart() {
	l.restartOnce.Do(func() { close(l.restartCh) })
}

// RestartRequested is closed once RequestRestart has been called.
func (l *Lifecycle) RestartRequested() <-chan struct{} {
	return l.restartCh
}
