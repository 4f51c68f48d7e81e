package mainloop

import (
	"sync/atomic"

	"github.com/octungo/octun/poll"
)

// Command is the control surface an embedding application uses to interrupt
// the mainloop. Cancel and Pause may be called from any goroutine; each sets
// a flag and wakes the loop through the waker pipe, so the request takes
// effect within the current iteration's blocking wait.
type Command struct {
	waker *poll.Waker

	cancel atomic.Bool
	pause  atomic.Bool
}

func NewCommand() (*Command, error) {
	wk, err := poll.NewWaker()
	if err != nil {
		return nil, err
	}
	return &Command{waker: wk}, nil
}

// Cancel asks the loop to abort the session. The loop returns ErrAborted.
func (c *Command) Cancel() {
	c.cancel.Store(true)
	c.waker.Wake()
}

// Pause asks the loop to close both transports and return without error.
// The session stays intact; Run may be called again to resume.
func (c *Command) Pause() {
	c.pause.Store(true)
	c.waker.Wake()
}

func (c *Command) Close() { c.waker.Close() }

// fd is the descriptor the scheduler keeps in its read interest so a
// command interrupts the blocking wait.
func (c *Command) fd() int { return c.waker.Fd() }

// take consumes and clears both flags.
func (c *Command) take() (cancel, pause bool) {
	c.waker.Drain()
	return c.cancel.Swap(false), c.pause.Swap(false)
}
