package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/zap/zaptest"

	"cad-bridge/message"
)

// echoHandler answers every call successfully.
func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       []byte("true"),
	}
}

// deadlineHandler answers Timeout once ctx expires, the way the listener does.
func deadlineHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	select {
	case <-time.After(200 * time.Millisecond):
		return echoHandler(ctx, req)
	case <-ctx.Done():
		return message.Reply(req.ServiceMethod, message.Errorf(message.Timeout, "gave up"))
	}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zaptest.NewLogger(t))(echoHandler)

	req := &message.RPCMessage{ServiceMethod: "ping"}
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Payload) != "true" {
		t.Fatalf("expect payload 'true', got '%s'", string(resp.Payload))
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "ping"})
	if resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(deadlineHandler)

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "ping"})
	if resp.Kind != message.Timeout {
		t.Fatalf("expect Timeout, got %+v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.RPCMessage{ServiceMethod: "ping"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Failed() {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	resp := handler(context.Background(), req)
	if resp.Kind != message.RateLimited || resp.ServiceMethod != "ping" {
		t.Fatalf("request 3 should be rate limited, got: %+v", resp)
	}
}

func TestRetryOnlyWhenNothingRan(t *testing.T) {
	logger := zaptest.NewLogger(t)

	calls := 0
	flaky := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls++
		if calls < 3 {
			return message.Reply(req.ServiceMethod, message.Errorf(message.RateLimited, "slow down"))
		}
		return echoHandler(ctx, req)
	}
	resp := RetryMiddleware(3, time.Millisecond, nil, logger)(flaky)(context.Background(), &message.RPCMessage{ServiceMethod: "ping"})
	if resp.Failed() || calls != 3 {
		t.Fatalf("expect success on the third attempt, got %+v after %d calls", resp, calls)
	}

	calls = 0
	failing := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls++
		return message.Reply(req.ServiceMethod, message.Errorf(message.Timeout, "too slow"))
	}
	resp = RetryMiddleware(3, time.Millisecond, nil, logger)(failing)(context.Background(), &message.RPCMessage{ServiceMethod: "create_object"})
	if resp.Kind != message.Timeout || calls != 1 {
		t.Fatalf("Timeout may have executed and must not be retried, got %+v after %d calls", resp, calls)
	}
}

func TestRetryWaitsOnClock(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) == 1 {
			return message.Reply(req.ServiceMethod, message.Errorf(message.RateLimited, "slow down"))
		}
		return echoHandler(ctx, req)
	}

	done := make(chan *message.RPCMessage, 1)
	go func() {
		done <- RetryMiddleware(3, time.Second, clk, zaptest.NewLogger(t))(flaky)(context.Background(), &message.RPCMessage{ServiceMethod: "ping"})
	}()

	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-done:
		if resp.Failed() || calls.Load() != 2 {
			t.Fatalf("expect success on the second attempt, got %+v after %d calls", resp, calls.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not resume after the clock advanced")
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	chained := Chain(tag("a"), LoggingMiddleware(zaptest.NewLogger(t)), tag("b"), TimeOutMiddleware(500*time.Millisecond))
	resp := chained(echoHandler)(context.Background(), &message.RPCMessage{ServiceMethod: "ping"})

	if resp == nil || resp.Failed() {
		t.Fatalf("expect success, got %+v", resp)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expect outermost first, got %v", order)
	}
}
