package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantex/tradelink/errs"
)

func TestPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 1); errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatalf("NewPool error = %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit error = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}
	if ran.Load() != 5 {
		t.Fatalf("ran = %d", ran.Load())
	}
}

func TestPoolRefusesWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("NewPool error = %v", err)
	}
	defer pool.Close()

	var release sync.WaitGroup
	release.Add(1)
	_ = pool.Submit(context.Background(), func(context.Context) error {
		release.Wait()
		return nil
	})
	// The single worker is busy and the queue has no depth.
	time.Sleep(20 * time.Millisecond)
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	release.Done()
	if errs.CodeOf(err) != errs.CodeTransport {
		t.Fatalf("code = %s, want transport refusal", errs.CodeOf(err))
	}
}

func TestPoolSubmitAfterCloseFails(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("NewPool error = %v", err)
	}
	pool.Close()
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if errs.CodeOf(err) != errs.CodeTransport {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}
