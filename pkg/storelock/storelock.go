// Package storelock implements the whole-store readers/writer lock: an
// OS-level advisory lock on a lock file combined with an in-process guard,
// so multiple processes and multiple goroutines of one process can share a
// store safely. Readers run concurrently, writers are exclusive.
package storelock

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
)

// Mode selects shared (read) or exclusive (write) acquisition.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// ErrAlreadyLocked is returned when a goroutine that already holds the lock
// acquires it again in an incompatible mode. That is a caller bug, not a
// retry condition; failing fast avoids a self-deadlock.
var ErrAlreadyLocked = errors.New("storelock: lock already held by this goroutine")

// Locker hands out scoped lock handles. The returned release function must
// be called on every exit path.
type Locker interface {
	Acquire(mode Mode) (release func() error, err error)
}

// gid extracts the current goroutine id from the stack header. Used only to
// detect re-entrant acquisition.
func gid() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(string(buf[:i]), 10, 64)
	return n
}
