package stream

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// WaitForever makes [Wait] block until at least
// one registered descriptor becomes ready.
const WaitForever time.Duration = -1

// ReadySet reports which descriptors a call to [Wait] found ready.
// Descriptors with pending errors or hangups are reported as readable,
// so the owner's next read observes the failure or EOF directly.
type ReadySet struct {
	Read        map[int]bool
	Write       map[int]bool
	Exceptional map[int]bool
}

// Wait performs a single bounded readiness wait over three descriptor
// sets, via poll(2). A negative timeout waits indefinitely; a zero
// timeout polls without blocking.
//
// Descriptors may appear in more than one input set; each is registered
// once with the union of the requested events.
func Wait(read, write, exceptional []int, timeout time.Duration) (ReadySet, error) {
	events := map[int]int16{}
	for _, fd := range read {
		events[fd] |= unix.POLLIN
	}
	for _, fd := range write {
		events[fd] |= unix.POLLOUT
	}
	for _, fd := range exceptional {
		events[fd] |= unix.POLLPRI
	}

	fds := make([]unix.PollFd, 0, len(events))
	for fd, ev := range events {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	for {
		_, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ReadySet{}, fmt.Errorf("poll: %w", err)
		}
		break
	}

	ready := ReadySet{
		Read:        map[int]bool{},
		Write:       map[int]bool{},
		Exceptional: map[int]bool{},
	}
	for _, p := range fds {
		fd := int(p.Fd)
		if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready.Read[fd] = true
		}
		if p.Revents&unix.POLLOUT != 0 {
			ready.Write[fd] = true
		}
		if p.Revents&unix.POLLPRI != 0 {
			ready.Exceptional[fd] = true
		}
	}

	return ready, nil
}
