package storelock

import "sync"

// MemoryLock is a pure in-process readers/writer lock with the same contract
// as FileLock, for single-process deployments where no other process touches
// the store. Waiters queue on a condition variable instead of a file lock.
type MemoryLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool

	readHolders map[uint64]int
	writeHolder uint64
}

func NewMemoryLock() *MemoryLock {
	l := &MemoryLock{readHolders: map[uint64]int{}}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *MemoryLock) Acquire(mode Mode) (func() error, error) {
	g := gid()

	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == Write {
		if l.readHolders[g] > 0 || (l.writer && l.writeHolder == g) {
			return nil, ErrAlreadyLocked
		}
		for l.writer || l.readers > 0 {
			l.cond.Wait()
		}
		l.writer = true
		l.writeHolder = g
	} else {
		if l.writer && l.writeHolder == g {
			return nil, ErrAlreadyLocked
		}
		for l.writer {
			l.cond.Wait()
		}
		l.readers++
		l.readHolders[g]++
	}

	var once sync.Once
	release := func() error {
		once.Do(func() {
			l.mu.Lock()
			if mode == Write {
				l.writer = false
				l.writeHolder = 0
			} else {
				l.readHolders[g]--
				if l.readHolders[g] <= 0 {
					delete(l.readHolders, g)
				}
				l.readers--
			}
			l.cond.Broadcast()
			l.mu.Unlock()
		})
		return nil
	}
	return release, nil
}

// HeldWrite reports whether the write lock is currently held.
func (l *MemoryLock) HeldWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}
