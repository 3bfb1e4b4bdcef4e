//go:build linux
// +build linux

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRegistry(t *testing.T, maxFDs int) *Registry {
	t.Helper()
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	require.NoError(t, err, "epoll_create1 should succeed")
	t.Cleanup(func() { unix.Close(epfd) })
	return NewRegistry(epfd, maxFDs)
}

func newSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err, "socketpair should succeed")
	t.Cleanup(func() {
		CloseFd(fds[0])
		CloseFd(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := newTestRegistry(t, 16)
	fd, _ := newSocketPair(t)

	ci := newConnInfo(fd, "")
	assert.NoError(t, r.Put(fd, ci))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(fd)
	assert.True(t, ok)
	assert.Same(t, ci, got)

	assert.NoError(t, r.registerRead(fd))
	assert.NoError(t, r.Remove(fd))
	assert.Equal(t, 0, r.Len())

	_, ok = r.Get(fd)
	assert.False(t, ok, "removed fd must not resolve")
	_, ok = r.interest(fd)
	assert.False(t, ok, "removed fd must leave no epoll interest behind")
}

func TestRegistryRejectsDuplicateFd(t *testing.T) {
	r := newTestRegistry(t, 16)
	fd, _ := newSocketPair(t)

	assert.NoError(t, r.Put(fd, newConnInfo(fd, "")))
	err := r.Put(fd, newConnInfo(fd, ""))
	assert.ErrorIs(t, err, ErrDuplicateFd)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryCapacityBound(t *testing.T) {
	r := newTestRegistry(t, 2)
	a, b := newSocketPair(t)
	c, _ := newSocketPair(t)

	assert.NoError(t, r.Put(a, newConnInfo(a, "")))
	assert.False(t, r.Full())
	assert.NoError(t, r.Put(b, newConnInfo(b, "")))
	assert.True(t, r.Full())

	err := r.Put(c, newConnInfo(c, ""))
	assert.ErrorIs(t, err, ErrRegistryFull)

	assert.NoError(t, r.Remove(a))
	assert.False(t, r.Full(), "removal must free capacity")
	assert.NoError(t, r.Put(c, newConnInfo(c, "")))
}

func TestRegistryInterestMasks(t *testing.T) {
	r := newTestRegistry(t, 16)
	fd, _ := newSocketPair(t)

	assert.NoError(t, r.registerRead(fd))
	ev, ok := r.interest(fd)
	assert.True(t, ok)
	assert.Equal(t, uint32(readEvents), ev)

	assert.NoError(t, r.registerReadWrite(fd))
	ev, _ = r.interest(fd)
	assert.Equal(t, uint32(readWriteEvents), ev)

	assert.NoError(t, r.deregisterWrite(fd))
	ev, _ = r.interest(fd)
	assert.Equal(t, uint32(readEvents), ev)

	assert.NoError(t, r.disarm(fd))
	ev, _ = r.interest(fd)
	assert.Equal(t, uint32(0), ev, "disarmed fd keeps an empty interest mask")

	assert.NoError(t, r.unregister(fd))
	assert.NoError(t, r.unregister(fd), "unregister of an unknown fd is a no-op")
}
