//go:build linux

package sched

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventFDWaker is a [Waker] backed by a Linux eventfd, for embedding
// the engine into an epoll-driven event loop instead of a goroutine
// sleeping on a channel.
type EventFDWaker struct {
	fd  int
	buf [8]byte
}

func NewEventFDWaker() (*EventFDWaker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventFDWaker{fd: fd}, nil
}

func (w *EventFDWaker) Wake() bool {
	binary.LittleEndian.PutUint64(w.buf[:], 1)
	_, err := syscall.Write(w.fd, w.buf[:])
	// EAGAIN means the counter is saturated, a wake is pending anyway.
	return err == nil
}

// Clear drains the eventfd counter after a wakeup.
func (w *EventFDWaker) Clear() error {
	_, err := syscall.Read(w.fd, w.buf[:])
	return err
}

// FD returns the file descriptor for registration with epoll.
func (w *EventFDWaker) FD() int {
	return w.fd
}

func (w *EventFDWaker) Close() error {
	if w.fd != 0 {
		return unix.Close(w.fd)
	}
	return nil
}
