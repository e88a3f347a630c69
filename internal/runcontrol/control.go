// Package runcontrol holds the operator-facing control token of a run. It is
// the only piece of run state mutated from outside the coordinator goroutine.
package runcontrol

import (
	"context"
	"errors"
	"sync"
)

// ErrStopRequested is returned by Checkpoint once a stop has been requested.
var ErrStopRequested = errors.New("run stop requested")

// State is the operator-requested mode of a run.
type State int

const (
	Running State = iota
	Paused
	StopRequested
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case StopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// Control is a mutex-guarded token shared between the operator surface and
// the coordinator loop. Every mutation bumps the generation so a stale
// pause/resume pair can be told apart from a current one.
type Control struct {
	mu    sync.Mutex
	state State
	gen   uint64

	// resumeCh is replaced on every pause and closed on resume or stop.
	resumeCh chan struct{}
	// stopCh is closed exactly once, when stop is requested.
	stopCh chan struct{}
}

// New returns a control token in the running state.
func New() *Control {
	resume := make(chan struct{})
	close(resume)
	return &Control{
		state:    Running,
		resumeCh: resume,
		stopCh:   make(chan struct{}),
	}
}

// Snapshot returns the current state and generation.
func (c *Control) Snapshot() (State, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.gen
}

// Pause moves a running token to paused. It returns the generation of the
// pause and whether the state changed.
func (c *Control) Pause() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return c.gen, false
	}
	c.state = Paused
	c.gen++
	c.resumeCh = make(chan struct{})
	return c.gen, true
}

// Resume moves a paused token back to running.
func (c *Control) Resume() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked()
}

// ResumeGeneration resumes only if the token is still paused at generation
// gen. A resume carrying an older generation is ignored.
func (c *Control) ResumeGeneration(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	_, ok := c.resumeLocked()
	return ok
}

func (c *Control) resumeLocked() (uint64, bool) {
	if c.state != Paused {
		return c.gen, false
	}
	c.state = Running
	c.gen++
	close(c.resumeCh)
	return c.gen, true
}

// RequestStop moves the token to stop-requested. It is one-way and
// idempotent; it returns true only for the call that performed the change.
// A pending pause is superseded.
func (c *Control) RequestStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StopRequested {
		return false
	}
	if c.state == Paused {
		close(c.resumeCh)
	}
	c.state = StopRequested
	c.gen++
	close(c.stopCh)
	return true
}

// StopRequested reports whether stop has been requested.
func (c *Control) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StopRequested
}

// Done is closed when stop is requested.
func (c *Control) Done() <-chan struct{} {
	return c.stopCh
}

// Checkpoint is called between steps. It returns nil when the run may
// proceed, blocks while paused, and returns ErrStopRequested once stopped.
func (c *Control) Checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StopRequested:
			c.mu.Unlock()
			return ErrStopRequested
		case Running:
			c.mu.Unlock()
			return nil
		}
		wait := c.resumeCh
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
