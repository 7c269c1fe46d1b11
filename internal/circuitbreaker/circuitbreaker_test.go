package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/transport"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb, _ := newBreaker(DefaultConfig("test"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second})
	trip(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name    string
		probeOK bool
		want    State
	}{
		{"probe succeeds", true, StateClosed},
		{"probe fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: time.Minute})
			trip(cb, 2)

			clock.Advance(59 * time.Second)
			if cb.Allow() {
				t.Fatal("should stay open before the recovery timeout")
			}

			clock.Advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow probe after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.probeOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second})
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second})
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Fatal("expected last failure to be set")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type stubTransport struct {
	err   error
	calls int
}

func (s *stubTransport) Send(ctx context.Context, req transport.SendRequest) (*transport.SendResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &transport.SendResult{MessageID: "wamid.1"}, nil
}

func testSend() transport.SendRequest {
	return transport.SendRequest{ItemID: uuid.New(), ChannelID: uuid.New(), Phone: "5511900000001", Text: "hi"}
}

func TestProtectedTransport_PassesThrough(t *testing.T) {
	stub := &stubTransport{}
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 5})
	pt := NewProtectedTransport(stub, cb, zap.NewNop())

	res, err := pt.Send(context.Background(), testSend())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.MessageID != "wamid.1" || stub.calls != 1 {
		t.Fatalf("res=%+v calls=%d", res, stub.calls)
	}
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}
}

func TestProtectedTransport_FailFastWhenOpen(t *testing.T) {
	stub := &stubTransport{err: errors.New("gateway down")}
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: time.Minute})
	pt := NewProtectedTransport(stub, cb, zap.NewNop())

	pt.Send(context.Background(), testSend())
	pt.Send(context.Background(), testSend())
	stub.calls = 0

	_, err := pt.Send(context.Background(), testSend())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("transport called %d times when circuit open", stub.calls)
	}
}

func TestProtectedTransport_IgnoresCallerCancellation(t *testing.T) {
	stub := &stubTransport{err: context.Canceled}
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 1})
	pt := NewProtectedTransport(stub, cb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pt.Send(ctx, testSend())

	if cb.GetState() != StateClosed {
		t.Fatalf("cancellation should not trip the breaker, got %s", cb.GetState())
	}
}

func TestProtectedTransport_Recovers(t *testing.T) {
	stub := &stubTransport{}
	cb, clock := newBreaker(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 30 * time.Second})
	pt := NewProtectedTransport(stub, cb, zap.NewNop())

	stub.err = errors.New("gateway down")
	for i := 0; i < 3; i++ {
		pt.Send(context.Background(), testSend())
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clock.Advance(30 * time.Second)
	stub.err = nil
	if _, err := pt.Send(context.Background(), testSend()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}
