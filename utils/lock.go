package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLock is an exclusive lock represented by a file on disk. A lock file
// older than its TTL is considered abandoned and is taken over. While held,
// a heartbeat keeps the file's mtime fresh.
type FileLock struct {
	path string
	ttl  time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewFileLock returns an unheld lock at path.
func NewFileLock(path string, ttl time.Duration) *FileLock {
	return &FileLock{path: path, ttl: ttl}
}

// TryAcquire takes the lock if it is free or stale. It reports false when
// another live holder owns it.
func (l *FileLock) TryAcquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false, errors.New("lock: already held by this process")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("lock: create dir: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, _ = fmt.Fprintf(f, `{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			l.startHeartbeat()
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("lock: create %q: %w", l.path, err)
		}
		fi, err := os.Stat(l.path)
		if err != nil {
			continue
		}
		if time.Since(fi.ModTime()) < l.ttl {
			return false, nil
		}
		_ = os.Remove(l.path)
	}
	return false, nil
}

// Release stops the heartbeat and removes the lock file.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	l.stop, l.done = nil, nil
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock: remove %q: %w", l.path, err)
	}
	return nil
}

func (l *FileLock) startHeartbeat() {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Minute
	}
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				now := time.Now()
				_ = os.Chtimes(l.path, now, now)
			}
		}
	}(l.stop, l.done)
}
