package storelock

import (
	"fmt"
	"os"
	"sync"
)

// FileLock is a readers/writer lock backed by an advisory lock on a file,
// shared between processes. In-process bookkeeping keeps the invariant
// "no writer while readers > 0, at most one writer" and queues goroutines
// so only lock-state transitions touch the OS lock.
type FileLock struct {
	file *os.File

	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool
	pending bool // a goroutine is blocked on the OS lock

	readHolders map[uint64]int
	writeHolder uint64
}

// NewFileLock opens (creating if needed) the lock file at path. The file
// stays open for the lifetime of the lock.
func NewFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storelock - NewFileLock - os.OpenFile: %w", err)
	}
	l := &FileLock{
		file:        f,
		readHolders: map[uint64]int{},
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Close releases the lock file descriptor.
func (l *FileLock) Close() error {
	return l.file.Close()
}

// Acquire takes the lock in the given mode and returns a release function.
// A goroutine holding the lock in any mode gets ErrAlreadyLocked when it
// asks for write, and when it asks for read while holding write.
func (l *FileLock) Acquire(mode Mode) (func() error, error) {
	if mode == Write {
		return l.acquireWrite()
	}
	return l.acquireRead()
}

func (l *FileLock) acquireWrite() (func() error, error) {
	g := gid()

	l.mu.Lock()
	if l.readHolders[g] > 0 || (l.writer && l.writeHolder == g) {
		l.mu.Unlock()
		return nil, ErrAlreadyLocked
	}
	for l.writer || l.pending || l.readers > 0 {
		l.cond.Wait()
	}
	l.pending = true
	l.mu.Unlock()

	// Blocks until every other process lets go.
	err := flock(l.file, true)

	l.mu.Lock()
	l.pending = false
	if err != nil {
		l.cond.Broadcast()
		l.mu.Unlock()
		return nil, fmt.Errorf("storelock - acquireWrite - flock: %w", err)
	}
	l.writer = true
	l.writeHolder = g
	l.mu.Unlock()

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			err = funlock(l.file)
			l.mu.Lock()
			l.writer = false
			l.writeHolder = 0
			l.cond.Broadcast()
			l.mu.Unlock()
		})
		return err
	}
	return release, nil
}

func (l *FileLock) acquireRead() (func() error, error) {
	g := gid()

	l.mu.Lock()
	if l.writer && l.writeHolder == g {
		l.mu.Unlock()
		return nil, ErrAlreadyLocked
	}
	for l.writer || l.pending {
		l.cond.Wait()
	}
	if l.readers == 0 {
		// First reader of this process takes the shared OS lock.
		l.pending = true
		l.mu.Unlock()
		err := flock(l.file, false)
		l.mu.Lock()
		l.pending = false
		if err != nil {
			l.cond.Broadcast()
			l.mu.Unlock()
			return nil, fmt.Errorf("storelock - acquireRead - flock: %w", err)
		}
	}
	l.readers++
	l.readHolders[g]++
	l.mu.Unlock()

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			l.mu.Lock()
			l.readHolders[g]--
			if l.readHolders[g] <= 0 {
				delete(l.readHolders, g)
			}
			l.readers--
			if l.readers == 0 {
				// Unlocked under the mutex: a new first reader re-takes the
				// shared OS lock only after this unlock has landed.
				err = funlock(l.file)
			}
			l.cond.Broadcast()
			l.mu.Unlock()
		})
		return err
	}
	return release, nil
}

// HeldWrite reports whether this process currently holds the write lock.
// Cache code uses it to skip the rebuild singleflight when exclusivity is
// already guaranteed.
func (l *FileLock) HeldWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}
