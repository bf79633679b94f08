package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/partscout/partscout/internal/types"
)

func TestSerializerMutualExclusion(t *testing.T) {
	s := NewSerializer(0, 0)

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), "test", func(ctx context.Context) error {
				cur := active.Add(1)
				for {
					prev := maxActive.Load()
					if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do returned error: %v", err)
			}
		}()
	}

	wg.Wait()

	if got := maxActive.Load(); got != 1 {
		t.Errorf("Expected at most 1 concurrent operation, observed %d", got)
	}
	if s.Ops() != 20 {
		t.Errorf("Expected 20 operations, got %d", s.Ops())
	}
}

func TestSerializerReleasesOnError(t *testing.T) {
	s := NewSerializer(0, 0)

	wantErr := errors.New("operation exploded")
	err := s.Do(context.Background(), "failing", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected the operation error back, got %v", err)
	}

	// The slot must be free again; a second operation should run promptly
	done := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "next", func(ctx context.Context) error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Slot was not released after a failing operation")
	}
}

func TestSerializerReleasesOnTimeout(t *testing.T) {
	s := NewSerializer(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Do(context.Background(), "slow", func(context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("Expected a timeout error from the operation")
	}

	done := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "next", func(ctx context.Context) error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Slot was not released after an operation timeout")
	}
}

func TestSerializerCanceledWaiter(t *testing.T) {
	s := NewSerializer(0, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "holder", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Do(ctx, "waiter", func(context.Context) error {
		t.Error("Canceled waiter must not run its operation")
		return nil
	})
	if !errors.Is(err, types.ErrContextCanceled) {
		t.Errorf("Expected ErrContextCanceled, got %v", err)
	}

	close(release)
}

func TestSerializerTrailingDelay(t *testing.T) {
	const trailing = 80 * time.Millisecond
	s := NewSerializer(0, trailing)

	start := time.Now()
	_ = s.Do(context.Background(), "first", func(context.Context) error { return nil })
	_ = s.Do(context.Background(), "second", func(context.Context) error { return nil })
	elapsed := time.Since(start)

	// Two operations hold the slot through two trailing gaps
	if elapsed < 2*trailing {
		t.Errorf("Expected at least %v between serialized operations, got %v", 2*trailing, elapsed)
	}
}
