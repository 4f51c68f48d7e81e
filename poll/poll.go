// Package poll wraps poll(2) in an interest-set/readiness-result shape.
//
// An Interest is a plain value rebuilt by the mainloop every iteration and
// handed to each handler in turn; Wait copies it internally, so the caller
// never needs to defend against the kernel scribbling on its set.
package poll

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Interest accumulates which descriptors the next blocking wait should
// watch, and for what. The zero value is an empty set.
type Interest struct {
	fds []unix.PollFd
}

func (in *Interest) add(fd int, events int16) {
	for i := range in.fds {
		if in.fds[i].Fd == int32(fd) {
			in.fds[i].Events |= events
			return
		}
	}
	in.fds = append(in.fds, unix.PollFd{Fd: int32(fd), Events: events})
}

// Read watches fd for readability.
func (in *Interest) Read(fd int) { in.add(fd, unix.POLLIN) }

// Write watches fd for writability.
func (in *Interest) Write(fd int) { in.add(fd, unix.POLLOUT) }

// Len reports how many descriptors are watched.
func (in *Interest) Len() int { return len(in.fds) }

// Ready is the outcome of one Wait.
type Ready struct {
	revents map[int32]int16
}

// Readable reports whether fd was readable (or hung up, which reads report).
func (r Ready) Readable(fd int) bool {
	return r.revents[int32(fd)]&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

// Writable reports whether fd was writable.
func (r Ready) Writable(fd int) bool {
	return r.revents[int32(fd)]&(unix.POLLOUT|unix.POLLERR) != 0
}

// Failed reports an error or hangup condition on fd.
func (r Ready) Failed(fd int) bool {
	return r.revents[int32(fd)]&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
}

// RetryAfterError reports whether a syscall error is transient.
func RetryAfterError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// Wait blocks until a watched descriptor is ready or d elapses. It takes the
// interest set by value and polls a private copy; poll(2) writes revents into
// that copy only. d == 0 polls without blocking, d < 0 blocks indefinitely.
func Wait(in Interest, d time.Duration) (Ready, error) {
	fds := make([]unix.PollFd, len(in.fds))
	copy(fds, in.fds)

	ms := -1
	if d >= 0 {
		ms = int(d.Milliseconds())
	}

	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if RetryAfterError(err) {
				continue
			}
			return Ready{}, err
		}
		r := Ready{revents: make(map[int32]int16, n)}
		for _, pfd := range fds {
			if pfd.Revents != 0 {
				r.revents[pfd.Fd] = pfd.Revents
			}
		}
		return r, nil
	}
}
