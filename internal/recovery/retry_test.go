package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"pkt.systems/accountdeck/schema"
)

func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{62, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, 100*time.Millisecond, 800*time.Millisecond); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
	if got := Backoff(5, 0, time.Second); got != 0 {
		t.Fatalf("expected zero delay without initial delay, got %s", got)
	}
}

func TestBackoffWithoutCapSaturates(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 128; attempt++ {
		got := Backoff(attempt, time.Second, 0)
		if got <= 0 || got < prev {
			t.Fatalf("attempt %d: delay %s after %s", attempt, got, prev)
		}
		prev = got
	}
	if prev != time.Duration(math.MaxInt64) {
		t.Fatalf("expected saturated delay, got %s", prev)
	}
	if got := Backoff(3, 100*time.Millisecond, 300*time.Millisecond); got != 300*time.Millisecond {
		t.Fatalf("expected cap below the next doubling, got %s", got)
	}
}

func TestRetryUnlimitedWithoutCapKeepsWaiting(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0
	_, err := Do(context.Background(), RetryOptions{InitialDelay: time.Millisecond, Unlimited: true}, func(context.Context) error {
		calls++
		if calls <= 80 {
			return schema.ConnectivityFailure(errors.New("down"))
		}
		return nil
	})
	if err != nil || len(*delays) != 80 {
		t.Fatalf("expected 80 waits, got %d err=%v", len(*delays), err)
	}
	for i, d := range *delays {
		if d <= 0 {
			t.Fatalf("retry %d did not wait: %s", i+1, d)
		}
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0
	report, err := Do(context.Background(), RetryOptions{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     800 * time.Millisecond,
	}, func(context.Context) error {
		calls++
		return schema.ConnectivityFailure(errors.New("network down"))
	})
	if schema.CategoryOf(err) != schema.CategoryConnectivity {
		t.Fatalf("expected last connectivity failure, got %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	if fmt.Sprint(*delays) != fmt.Sprint(want) || fmt.Sprint(report.Delays) != fmt.Sprint(want) {
		t.Fatalf("expected delays %v, got %v (report %v)", want, *delays, report.Delays)
	}
	if calls != 5 || report.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got calls=%d report=%d", calls, report.Attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0
	_, err := Do(context.Background(), RetryOptions{MaxRetries: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return schema.AuthenticationFailure(errors.New("signed out"))
	})
	if schema.CategoryOf(err) != schema.CategoryAuthentication || calls != 1 || len(*delays) != 0 {
		t.Fatalf("expected single attempt, got calls=%d delays=%v err=%v", calls, *delays, err)
	}
}

func TestRetryReturnsValueAfterFailures(t *testing.T) {
	recordSleeps(t)
	calls := 0
	val, report, err := Retry(context.Background(), RetryOptions{MaxRetries: 3, InitialDelay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", schema.CreationFailure(errors.New("profile busy"))
		}
		return "ok", nil
	})
	if err != nil || val != "ok" || report.Attempts != 3 {
		t.Fatalf("unexpected result val=%q attempts=%d err=%v", val, report.Attempts, err)
	}
}

func TestRetryCustomPredicate(t *testing.T) {
	recordSleeps(t)
	calls := 0
	_, err := Do(context.Background(), RetryOptions{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		IsRetryable:  func(error) bool { return true },
	}, func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d err=%v", calls, err)
	}
}

func TestRetryUnlimitedRequiresOptIn(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0
	_, err := Do(context.Background(), RetryOptions{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Unlimited:    true,
	}, func(context.Context) error {
		calls++
		if calls <= 10 {
			return schema.ConnectivityFailure(errors.New("flaky"))
		}
		return nil
	})
	if err != nil || calls != 11 {
		t.Fatalf("expected success on 11th attempt, got calls=%d err=%v", calls, err)
	}
	if last := (*delays)[len(*delays)-1]; last != 40*time.Millisecond {
		t.Fatalf("expected capped delay, got %s", last)
	}

	calls = 0
	_, _ = Do(context.Background(), RetryOptions{InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return schema.ConnectivityFailure(errors.New("down"))
	})
	if calls != 1 {
		t.Fatalf("expected no retries without budget, got %d", calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	orig := sleep
	sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	calls := 0
	_, err := Do(ctx, RetryOptions{MaxRetries: 5, InitialDelay: time.Second}, func(context.Context) error {
		calls++
		return schema.ConnectivityFailure(errors.New("down"))
	})
	if calls != 1 || err == nil {
		t.Fatalf("expected cancellation after first attempt, calls=%d err=%v", calls, err)
	}
}
