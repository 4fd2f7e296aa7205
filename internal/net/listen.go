package net

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrAddressInUse means another live process is already listening on the socket.
var ErrAddressInUse = errors.New("address already in use")

// ListenUnix listens on a Unix socket at path, making this process the sole owner of it.
//
// If a live listener already answers on path, ErrAddressInUse is returned and the file is left alone.
// A socket file that nobody answers on is left over from an owner that died without cleaning up;
// it is removed and the bind retried.
//
// Starters are serialized by an flock on path+".lock", so between checking a socket and
// replacing it nobody else can bind in its place.
func ListenUnix(path string) (*net.UnixListener, error) {
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return nil, err
	}
	defer unlock()

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	if Alive(path) {
		return nil, ErrAddressInUse
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	l, err = net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return l, nil
}

// lockFile takes an exclusive flock on path, creating it if needed. The file is never
// removed; unlinking it would let two processes hold locks on different inodes.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if !errors.Is(err, syscall.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// Alive reports whether something accepts connections on the Unix socket at path.
func Alive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
