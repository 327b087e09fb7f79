package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateSingleFlight(t *testing.T) {
	gate := NewGate()

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := gate.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			gate.Release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("observed %d holders at once, want 1", got)
	}
}

func TestGateAcquireHonorsContext(t *testing.T) {
	gate := NewGate()
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer gate.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := gate.Acquire(ctx); err == nil {
		t.Fatal("second Acquire succeeded while the gate was held")
	}
}

func TestGateReleaseWithoutHoldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Release without a held gate did not panic")
		}
	}()
	NewGate().Release()
}
