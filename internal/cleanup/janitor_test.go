package cleanup

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestJanitorRunsScheduledTask(t *testing.T) {
	j := New(Config{Delay: time.Millisecond, RetryDelay: time.Millisecond})

	path := filepath.Join(t.TempDir(), "stale.jpg")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	j.Schedule("unlink stale", func() error { return os.Remove(path) })
	j.Drain()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err: %v", err)
	}
}

func TestJanitorRetriesUntilSuccess(t *testing.T) {
	j := New(Config{Delay: time.Millisecond, Retries: 3, RetryDelay: time.Millisecond})

	var calls int32
	j.Schedule("flaky", func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("busy")
		}
		return nil
	})
	j.Drain()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("attempts: got %d want 3", got)
	}
}

func TestJanitorGivesUpQuietly(t *testing.T) {
	j := New(Config{Delay: time.Millisecond, Retries: 1, RetryDelay: time.Millisecond})

	var calls int32
	j.Schedule("doomed", func() error {
		atomic.AddInt32(&calls, 1)
		return errors.New("permanent")
	})
	j.Drain()

	// initial attempt + one retry, then dropped without panicking
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("attempts: got %d want 2", got)
	}
}

func TestJanitorSynchronousMode(t *testing.T) {
	j := New(Config{Synchronous: true})

	done := false
	j.Schedule("inline", func() error {
		done = true
		return nil
	})
	if !done {
		t.Fatal("synchronous task should run before Schedule returns")
	}
}
