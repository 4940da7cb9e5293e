package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSaverCoalescesBursts(t *testing.T) {
	var saves atomic.Int32
	s := NewSaver(30*time.Millisecond, func() { saves.Add(1) })
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Notify()
		time.Sleep(2 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for saves.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := saves.Load(); got != 1 {
		t.Fatalf("expected one save for the burst, got %d", got)
	}
}

func TestSaverFlushSavesImmediately(t *testing.T) {
	var saves atomic.Int32
	s := NewSaver(time.Hour, func() { saves.Add(1) })
	defer s.Close()

	s.Notify()
	s.Flush()
	if got := saves.Load(); got != 1 {
		t.Fatalf("expected immediate save on flush, got %d", got)
	}

	// Clean state: flushing again is a no-op.
	s.Flush()
	if got := saves.Load(); got != 1 {
		t.Fatalf("expected no save on clean flush, got %d", got)
	}
}

func TestSaverCloseRunsFinalSave(t *testing.T) {
	var saves atomic.Int32
	s := NewSaver(time.Hour, func() { saves.Add(1) })

	s.Notify()
	s.Close()
	if got := saves.Load(); got != 1 {
		t.Fatalf("expected final save on close, got %d", got)
	}

	s.Notify()
	s.Close()
	time.Sleep(20 * time.Millisecond)
	if got := saves.Load(); got != 1 {
		t.Fatalf("expected no saves after close, got %d", got)
	}
}
