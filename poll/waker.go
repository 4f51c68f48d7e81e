package poll

import (
	"os"

	"golang.org/x/sys/unix"
)

// Waker turns an event from another goroutine into descriptor readiness: the
// read end of a pipe joins the mainloop's interest set, and Wake makes it
// readable. The mainloop drains it once it has consumed whatever the wake
// announced.
type Waker struct {
	r *os.File // watched end
	w *os.File // signalled end
}

func NewWaker() (*Waker, error) {
	wk := &Waker{}
	var err error
	if wk.r, wk.w, err = os.Pipe(); err != nil {
		return nil, err
	}
	// The mainloop drains with plain reads; they must never block.
	if err = unix.SetNonblock(int(wk.r.Fd()), true); err != nil {
		wk.r.Close()
		wk.w.Close()
		return nil, err
	}
	return wk, nil
}

// Fd returns the descriptor to watch for readability.
func (wk *Waker) Fd() int { return int(wk.r.Fd()) }

// Wake makes Fd readable. Safe to call from any goroutine; a full pipe
// already counts as woken, so the write error is ignored.
func (wk *Waker) Wake() {
	wk.w.Write([]byte{0})
}

// Drain consumes pending wakes. Returns true if there were any.
func (wk *Waker) Drain() bool {
	var buf [64]byte
	woken := false
	// os.File.Fd puts the descriptor back into blocking mode, and
	// os.File.Read waits for readability instead of returning EAGAIN, so
	// reassert the flag and read through the raw descriptor.
	fd := int(wk.r.Fd())
	unix.SetNonblock(fd, true)
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			woken = true
		}
		if err != nil || n < len(buf) {
			return woken
		}
	}
}

func (wk *Waker) Close() {
	wk.r.Close()
	wk.w.Close()
}
