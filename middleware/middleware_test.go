package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"local-relay/correlation"
	"local-relay/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{
		RequestID: req.RequestID,
		Payload:   map[string]string{"requestId": req.RequestID},
	}
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func panicHandler(ctx context.Context, req *message.Request) *message.Response {
	panic("mask buffer overflow")
}

func newRequest(id string) (context.Context, *message.Request) {
	ctx := correlation.WithID(context.Background(), id)
	return ctx, &message.Request{RequestID: id, Payload: json.RawMessage(`{}`)}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := LoggingMiddleware(zerolog.New(&buf))(echoHandler)

	ctx, req := newRequest("abc123")
	resp := handler(ctx, req)

	if resp == nil || resp.Error != "" {
		t.Fatalf("expect successful response, got %+v", resp)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["requestId"] != "abc123" {
		t.Fatalf("log line missing requestId: %v", entry)
	}
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	handler := RecoverMiddleware(zerolog.New(&buf))(panicHandler)

	ctx, req := newRequest("r1")
	resp := handler(ctx, req)

	if resp == nil {
		t.Fatal("expect a response after panic")
	}
	if resp.RequestID != "r1" {
		t.Fatalf("expect requestId r1, got %q", resp.RequestID)
	}
	if resp.Error == "" {
		t.Fatal("expect error after panic")
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["requestId"] != "r1" || entry["traceback"] == nil {
		t.Fatalf("panic log missing requestId or traceback: %v", entry)
	}
}

func TestTimeoutRecoversPanic(t *testing.T) {
	// handler 在另一个 goroutine 里 panic，必须被转换成错误响应而不是让进程崩溃
	handler := TimeOutMiddleware(time.Second, zerolog.Nop())(panicHandler)

	ctx, req := newRequest("r1")
	resp := handler(ctx, req)

	if resp == nil || resp.RequestID != "r1" {
		t.Fatalf("expect response for r1, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "mask buffer overflow") {
		t.Fatalf("expect panic message in error, got '%s'", resp.Error)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500*time.Millisecond, zerolog.Nop())(echoHandler)

	ctx, req := newRequest("r1")
	resp := handler(ctx, req)

	if resp.Error != "" {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50*time.Millisecond, zerolog.Nop())(slowHandler)

	ctx, req := newRequest("r1")
	resp := handler(ctx, req)

	if resp.Error != "request timed out" {
		t.Fatalf("expect timeout error, got '%s'", resp.Error)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("timeout response lost requestId: %q", resp.RequestID)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	ctx, req := newRequest("r1")

	for i := 0; i < 2; i++ {
		resp := handler(ctx, req)
		if resp.Error != "" {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	resp := handler(ctx, req)
	if resp.Error != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Error)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), RecoverMiddleware(zerolog.Nop()))(echoHandler)
	ctx, req := newRequest("r1")
	if resp := handler(ctx, req); resp == nil || resp.Error != "" {
		t.Fatalf("expect success, got %+v", resp)
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
}
