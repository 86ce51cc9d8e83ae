package listener

import (
	"context"
	"errors"
	"sync"
)

// ErrReceiverGone is returned by Sender.Cancel when the task owning the receiver
// has already returned, so nobody is left to observe the signal.
var ErrReceiverGone = errors.New("receiver dropped")

type token struct {
	fired    chan struct{}
	exited   chan struct{}
	fireOnce sync.Once
	exitOnce sync.Once
}

// Sender is the registry's half of a single-use cancellation token.
type Sender struct {
	t *token
}

// Receiver is the task's half. Once fired it stays fired.
type Receiver struct {
	t *token
}

// NewToken creates a connected Sender/Receiver pair.
func NewToken() (*Sender, *Receiver) {
	t := &token{
		fired:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	return &Sender{t: t}, &Receiver{t: t}
}

// Cancel fires the token. It fails with ErrReceiverGone if the receiving task has
// already exited; firing twice is a no-op.
func (s *Sender) Cancel() error {
	select {
	case <-s.t.exited:
		return ErrReceiverGone
	default:
	}
	s.t.fireOnce.Do(func() { close(s.t.fired) })
	return nil
}

// Exited reports whether the receiving task has returned.
func (s *Sender) Exited() bool {
	select {
	case <-s.t.exited:
		return true
	default:
		return false
	}
}

// Done is closed when the token fires.
func (r *Receiver) Done() <-chan struct{} {
	return r.t.fired
}

// Cancelled reports whether the token has fired.
func (r *Receiver) Cancelled() bool {
	select {
	case <-r.t.fired:
		return true
	default:
		return false
	}
}

// Context derives a context from parent that is cancelled when the token fires.
// Call the returned CancelFunc when the task is done with it.
func (r *Receiver) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-r.t.fired:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// release marks the receiving task as gone.
func (r *Receiver) release() {
	r.t.exitOnce.Do(func() { close(r.t.exited) })
}
