package core

import (
	"context"
	"sync"
)

// PendingCookie is the handle a frontend parks on when a mutation returns
// ErrWouldBlock. Exactly one completion is ever delivered; later Notify
// calls (e.g. a replica ack racing a timeout abort) are dropped.
type PendingCookie struct {
	once sync.Once
	done chan error
}

// NewPendingCookie creates an unparked cookie.
func NewPendingCookie() *PendingCookie {
	return &PendingCookie{done: make(chan error, 1)}
}

// Notify delivers the definitive result for the parked operation. A nil err
// means the SyncWrite committed.
func (c *PendingCookie) Notify(err error) {
	c.once.Do(func() {
		c.done <- err
	})
}

// Cancel unparks the cookie with ErrCancelled, used on connection close.
func (c *PendingCookie) Cancel() {
	c.Notify(ErrCancelled)
}

// Wait blocks until the result arrives or ctx is done.
func (c *PendingCookie) Wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryResult returns the result without blocking. ok is false if the
// operation is still in flight.
func (c *PendingCookie) TryResult() (err error, ok bool) {
	select {
	case err := <-c.done:
		return err, true
	default:
		return nil, false
	}
}
