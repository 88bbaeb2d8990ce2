package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunReturnsWorkerError(t *testing.T) {
	s := New(zerolog.Nop(), time.Second, nil)
	boom := errors.New("boom")

	err := s.Run(context.Background(),
		Worker{Name: "a", Run: func(ctx context.Context) error { return boom }},
		Worker{Name: "b", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
}

func TestRunReturnsNilWhenAllWorkersFinish(t *testing.T) {
	s := New(zerolog.Nop(), time.Second, nil)
	err := s.Run(context.Background(),
		Worker{Name: "a", Run: func(ctx context.Context) error { return nil }},
		Worker{Name: "b", Run: func(ctx context.Context) error { return nil }},
	)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunRespectsParentCancellation(t *testing.T) {
	s := New(zerolog.Nop(), 2*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx,
		Worker{Name: "a", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	<-started
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
