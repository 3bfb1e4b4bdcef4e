//go:build linux
// +build linux

package node

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents
)

// Registry is a wrapper around epoll that also owns the descriptor to
// ConnInfo association. It keeps track of the interest mask registered for
// every fd, is bounded by maxFDs, and is mutated only from the reactor
// goroutine.
type Registry struct {
	epollFd  int
	epollSet map[int]uint32
	conns    map[int]*ConnInfo
	maxFDs   int
}

func NewRegistry(epollFd, maxFDs int) *Registry {
	return &Registry{
		epollFd:  epollFd,
		epollSet: make(map[int]uint32),
		conns:    make(map[int]*ConnInfo),
		maxFDs:   maxFDs,
	}
}

// Full reports whether the registry already tracks maxFDs connections.
func (r *Registry) Full() bool {
	return len(r.conns) >= r.maxFDs
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Put associates fd with its connection state. The same fd must not be
// registered twice; that would mean a close was skipped somewhere.
func (r *Registry) Put(fd int, ci *ConnInfo) error {
	if r.Full() {
		return ErrRegistryFull
	}
	if _, ok := r.conns[fd]; ok {
		return ErrDuplicateFd
	}
	r.conns[fd] = ci
	return nil
}

// Get looks up the connection state for fd.
func (r *Registry) Get(fd int) (*ConnInfo, bool) {
	ci, ok := r.conns[fd]
	return ci, ok
}

// Remove drops fd from epoll and from the fd map. The caller closes the
// descriptor afterwards; removal always precedes closure so a reused fd can
// never alias a stale entry.
func (r *Registry) Remove(fd int) error {
	delete(r.conns, fd)
	return r.unregister(fd)
}

// registerRead registers fd to epoll for read events.
func (r *Registry) registerRead(fd int) (err error) {
	_, ok := r.epollSet[fd]

	if ok {
		err = r.ModRead(fd)
	} else {
		err = r.AddRead(fd)
	}

	if err != nil {
		return err
	}

	r.epollSet[fd] = readEvents
	return
}

// registerReadWrite registers fd to epoll for read and write events.
func (r *Registry) registerReadWrite(fd int) (err error) {
	_, ok := r.epollSet[fd]

	if ok {
		err = r.ModReadWrite(fd)
	} else {
		err = r.AddReadWrite(fd)
	}

	if err != nil {
		return err
	}

	r.epollSet[fd] = readWriteEvents
	return
}

// deregisterWrite stops monitoring write events, keeping read interest.
func (r *Registry) deregisterWrite(fd int) error {
	return r.registerRead(fd)
}

// disarm keeps fd in the epoll set but with an empty interest mask. Used
// while a worker owns the connection: the reactor must observe nothing for
// this fd until the worker arms it for write (error events are still
// reported unconditionally by the kernel).
func (r *Registry) disarm(fd int) error {
	if _, ok := r.epollSet[fd]; !ok {
		return nil
	}
	err := os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: 0}))
	if err != nil {
		return err
	}
	r.epollSet[fd] = 0
	return nil
}

// unregister removes fd from epoll.
func (r *Registry) unregister(fd int) (err error) {
	_, ok := r.epollSet[fd]

	if !ok {
		return nil
	}

	err = unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return err
	}

	delete(r.epollSet, fd)
	return
}

// interest returns the currently registered mask for fd.
func (r *Registry) interest(fd int) (uint32, bool) {
	ev, ok := r.epollSet[fd]
	return ev, ok
}

func (r *Registry) AddRead(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

func (r *Registry) AddReadWrite(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readWriteEvents}))
}

func (r *Registry) ModRead(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

func (r *Registry) ModReadWrite(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readWriteEvents}))
}

func (r *Registry) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// ClosAndClearAllFDs closes every tracked connection during shutdown.
func (r *Registry) ClosAndClearAllFDs() error {
	var errs MultiError

	for fd := range r.conns {
		if err := r.Remove(fd); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
			continue
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
