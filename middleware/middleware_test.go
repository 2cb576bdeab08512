package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rpcz/message"
	"rpcz/reactor"
)

func newReq() *message.Envelope {
	return &message.Envelope{RequestID: 1, Service: "Arith", Method: "Add"}
}

// echoHandler answers immediately
func echoHandler(ctx context.Context, req *message.Envelope) ([]byte, error) {
	return []byte("ok"), nil
}

// slowHandler sleeps 200ms unless its context ends first
func slowHandler(ctx context.Context, req *message.Envelope) ([]byte, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return []byte("ok"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp, err := handler(context.Background(), newReq())
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if string(resp) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", resp)
	}
	entries := logs.FilterField(zap.String("method", "Arith.Add")).All()
	if len(entries) != 1 {
		t.Fatalf("expect 1 log entry, got %d", len(entries))
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	failing := func(ctx context.Context, req *message.Envelope) ([]byte, error) {
		return nil, errors.New("boom")
	}
	_, err := LoggingMiddleware(zap.New(core))(failing)(context.Background(), newReq())
	if err == nil {
		t.Fatal("expect the error to pass through")
	}
	if logs.FilterMessage("call failed").Len() != 1 {
		t.Fatal("expect a warn entry for the failure")
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if _, err := handler(context.Background(), newReq()); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), newReq())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got '%v'", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is refused
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), newReq()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	_, err := handler(context.Background(), newReq())
	var appErr *message.ApplicationError
	if !errors.As(err, &appErr) || appErr.Code != CodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRetry(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, req *message.Envelope) ([]byte, error) {
		if attempts.Add(1) < 3 {
			return nil, &reactor.StatusError{Status: message.StatusConnectionLost}
		}
		return []byte("ok"), nil
	}
	resp, err := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), newReq())
	if err != nil || string(resp) != "ok" {
		t.Fatalf("expect success after retries, got %q %v", resp, err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts.Load())
	}
}

func TestRetryStopsOnAnsweredError(t *testing.T) {
	var attempts atomic.Int32
	failing := func(ctx context.Context, req *message.Envelope) ([]byte, error) {
		attempts.Add(1)
		return nil, &reactor.StatusError{Status: message.StatusNoSuchMethod}
	}
	_, err := RetryMiddleware(3, time.Millisecond, nil)(failing)(context.Background(), newReq())
	if err == nil {
		t.Fatal("expect an error")
	}
	if attempts.Load() != 1 {
		t.Fatalf("expect no retries, got %d attempts", attempts.Load())
	}
}

func TestRetryHonorsContext(t *testing.T) {
	unavailable := func(ctx context.Context, req *message.Envelope) ([]byte, error) {
		return nil, reactor.ErrConnectionUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := RetryMiddleware(10, time.Second, nil)(unavailable)(ctx, newReq())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect the context error, got %v", err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Envelope) ([]byte, error) {
				order = append(order, name+">")
				resp, err := next(ctx, req)
				order = append(order, "<"+name)
				return resp, err
			}
		}
	}
	chained := Chain(mark("A"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond), mark("B"))
	resp, err := chained(echoHandler)(context.Background(), newReq())
	if err != nil || string(resp) != "ok" {
		t.Fatalf("expect ok, got %q %v", resp, err)
	}
	want := []string{"A>", "B>", "<B", "<A"}
	if len(order) != len(want) {
		t.Fatalf("expect order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect order %v, got %v", want, order)
		}
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	panicking := func(context.Context, *message.Envelope) ([]byte, error) { panic("kaboom") }
	handler := Chain(LoggingMiddleware(nil), RecoveryMiddleware(zap.New(core)))(panicking)

	resp, err := handler(context.Background(), newReq())
	if err == nil || err.Error() != "handler panic: kaboom" {
		t.Fatalf("expected panic error, got %v", err)
	}
	if resp != nil {
		t.Errorf("expected no reply, got %q", resp)
	}
	if logs.FilterMessage("handler panic").Len() != 1 {
		t.Errorf("panic not logged: %v", logs.All())
	}

	resp, err = RecoveryMiddleware(nil)(echoHandler)(context.Background(), newReq())
	if err != nil || string(resp) != "ok" {
		t.Fatalf("unexpected result %q %v", resp, err)
	}
}
