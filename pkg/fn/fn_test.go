package fn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestResult(t *testing.T) {
	r := Ok(5)
	if !r.IsOk() {
		t.Fatal("expected ok")
	}
	if v, err := r.Unwrap(); v != 5 || err != nil {
		t.Fatalf("got %v %v", v, err)
	}

	e := Err[int](errBoom)
	if e.IsOk() || e.Error() != errBoom {
		t.Fatal("expected error result")
	}
}

func TestFromPair(t *testing.T) {
	if !FromPair(1, nil).IsOk() {
		t.Fatal("expected ok")
	}
	if FromPair(1, errBoom).IsOk() {
		t.Fatal("expected err")
	}
}

func TestThen(t *testing.T) {
	parse := Lift(func(_ context.Context, s string) (int, error) { return strconv.Atoi(s) })
	double := Lift(func(_ context.Context, n int) (int, error) { return n * 2, nil })
	s := Then(parse, double)

	v, err := s(context.Background(), "21").Unwrap()
	if err != nil || v != 42 {
		t.Fatalf("got %v %v", v, err)
	}
	if s(context.Background(), "x").IsOk() {
		t.Fatal("expected parse error")
	}
}

func TestThen_ShortCircuits(t *testing.T) {
	called := false
	first := Stage[int, int](func(context.Context, int) Result[int] { return Err[int](errBoom) })
	second := Stage[int, int](func(_ context.Context, n int) Result[int] { called = true; return Ok(n) })

	if _, err := Then(first, second)(context.Background(), 1).Unwrap(); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if called {
		t.Fatal("second stage must not run")
	}
}

func TestThen_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := Stage[int, int](func(_ context.Context, n int) Result[int] { cancel(); return Ok(n) })
	second := Stage[int, int](func(_ context.Context, n int) Result[int] { t.Fatal("second stage ran"); return Ok(n) })

	if _, err := Then(first, second)(ctx, 1).Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestTracedStage(t *testing.T) {
	s := TracedStage("ok", Stage[int, int](func(_ context.Context, n int) Result[int] { return Ok(n + 1) }))
	if v, _ := s(context.Background(), 1).Unwrap(); v != 2 {
		t.Fatalf("got %d", v)
	}
	f := TracedStage("fail", Stage[int, int](func(context.Context, int) Result[int] { return Err[int](errBoom) }))
	if f(context.Background(), 1).IsOk() {
		t.Fatal("expected error to pass through")
	}
}

func fastRetry(attempts int) RetryOpts {
	return RetryOpts{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
}

func TestRetry_SucceedsEventually(t *testing.T) {
	calls := 0
	retries := 0
	opts := fastRetry(3)
	opts.OnRetry = func(int, error) { retries++ }
	r := Retry(context.Background(), opts, func(context.Context) Result[string] {
		calls++
		if calls < 3 {
			return Err[string](errBoom)
		}
		return Ok("done")
	})
	if v, err := r.Unwrap(); err != nil || v != "done" {
		t.Fatalf("got %v %v", v, err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("calls=%d retries=%d", calls, retries)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), fastRetry(2), func(context.Context) Result[int] {
		calls++
		return Err[int](errBoom)
	})
	if !errors.Is(r.Error(), errBoom) || calls != 2 {
		t.Fatalf("err=%v calls=%d", r.Error(), calls)
	}
}

func TestRetry_RetryIfStops(t *testing.T) {
	calls := 0
	opts := fastRetry(5)
	opts.RetryIf = func(err error) bool { return !errors.Is(err, errBoom) }
	Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](errBoom)
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := RetryOpts{MaxAttempts: 5, InitialWait: time.Hour}
	calls := 0
	r := Retry(ctx, opts, func(context.Context) Result[int] {
		calls++
		cancel()
		return Err[int](errBoom)
	})
	if !errors.Is(r.Error(), context.Canceled) || calls != 1 {
		t.Fatalf("err=%v calls=%d", r.Error(), calls)
	}
}
