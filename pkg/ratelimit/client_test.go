package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, limiter Limiter) *Client {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	cfg := DefaultClientConfig(t.Name())
	cfg.PollInterval = 5 * time.Millisecond
	return NewClient(limiter, cfg, logger)
}

func TestClient_AcquireRelease(t *testing.T) {
	conc := mustConcurrence(t, 1)
	c := testClient(t, conc)

	release, err := c.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := conc.Pending(); got != 1 {
		t.Errorf("Pending() after Acquire = %d, want 1", got)
	}

	release()
	release()
	if got := conc.Pending(); got != 0 {
		t.Errorf("Pending() after double release = %d, want 0", got)
	}
}

func TestClient_ConcurrenceBlocksUntilRelease(t *testing.T) {
	conc := mustConcurrence(t, 1)
	c := testClient(t, conc)
	ctx := context.Background()

	release, err := c.Acquire(ctx, 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	acquired := make(chan func(), 1)
	go func() {
		r, err := c.Acquire(ctx, 1)
		if err != nil {
			t.Errorf("second Acquire() error = %v", err)
			close(acquired)
			return
		}
		acquired <- r
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire() admitted while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case r := <-acquired:
		if r != nil {
			r()
		}
	case <-time.After(time.Second):
		t.Fatal("second Acquire() not admitted after release")
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	conc := mustConcurrence(t, 1)
	c := testClient(t, conc)

	release, err := c.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := c.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := conc.Pending(); got != 1 {
		t.Errorf("Pending() after cancelled Acquire = %d, want 1", got)
	}
}

func TestClient_SparseSpacing(t *testing.T) {
	// Two per 100ms gives one slot every 50ms.
	sparse := mustSparse(t, 100*time.Millisecond, 2, 0)
	c := testClient(t, sparse)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := c.Acquire(ctx, 1)
		if err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
		release()
	}

	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 acquisitions took %v, want >= 100ms of slot spacing", elapsed)
	}
}

func TestClient_Do(t *testing.T) {
	conc := mustConcurrence(t, 2)
	c := testClient(t, conc)

	var (
		mu      sync.Mutex
		running int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), 1, func(context.Context) error {
				mu.Lock()
				running++
				peak = max(peak, running)
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if got := conc.Pending(); got != 0 {
		t.Errorf("Pending() after all Do() = %d, want 0", got)
	}
}

func TestClient_NilLimiterPermits(t *testing.T) {
	c := testClient(t, nil)
	release, err := c.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()
}
