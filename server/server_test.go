package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"cad-bridge/cadhost"
	"cad-bridge/codec"
	"cad-bridge/dispatcher"
	"cad-bridge/message"
	"cad-bridge/metrics"
	"cad-bridge/middleware"
	"cad-bridge/protocol"
	"cad-bridge/queue"
	"cad-bridge/surface"
)

func startServer(t *testing.T, callTimeout time.Duration, mws ...middleware.Middleware) (*Server, *queue.Queue) {
	t.Helper()
	q := queue.New()
	svr := New(Config{
		Methods:     surface.New(cadhost.NewMemory()),
		CallTimeout: callTimeout,
		Logger:      zaptest.NewLogger(t),
	})
	for _, mw := range mws {
		svr.Use(mw)
	}
	if err := svr.Start("tcp", "127.0.0.1:0", q); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		svr.Shutdown()
		q.Close()
		svr.Join(time.Second)
	})
	return svr, q
}

// startOwningThread runs a dispatcher over q on its own event loop.
func startOwningThread(t *testing.T, q *queue.Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatcher.NewEventLoop(nil, zaptest.NewLogger(t))
	go loop.Run(ctx)

	d := dispatcher.New(dispatcher.Config{
		Queue:     q,
		Scheduler: loop,
		Executor:  surface.New(cadhost.NewMemory()),
		Interval:  5 * time.Millisecond,
	})
	d.Start()
	t.Cleanup(func() {
		d.Cancel()
		cancel()
		<-loop.Done()
	})
}

func dial(t *testing.T, svr *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, seq uint32, method string, args ...any) {
	t.Helper()
	payload, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.RPCMessage{
		ServiceMethod: method,
		Payload:       payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, conn net.Conn) (uint32, *message.RPCMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header, body, err := protocol.Decode(conn)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if header.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expect a response frame, got %d", header.MsgType)
	}
	var resp message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
		t.Fatal(err)
	}
	return header.Seq, &resp
}

func waitForDepth(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue never reached depth %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServer(t *testing.T) {
	svr, q := startServer(t, time.Second)
	startOwningThread(t, q)
	conn := dial(t, svr)

	send(t, conn, 123, "create_document", "Gear")
	seq, resp := receive(t, conn)
	if seq != 123 {
		t.Fatalf("expect seq 123, got %d", seq)
	}
	if resp.Failed() {
		t.Fatalf("unexpected error: %s", resp.Err())
	}
	var reply map[string]any
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply["document_name"] != "Gear" {
		t.Fatalf("unexpected reply: %s", resp.Payload)
	}
}

func TestUnknownMethodNeverQueued(t *testing.T) {
	svr, q := startServer(t, time.Second)
	conn := dial(t, svr)

	send(t, conn, 1, "format_disk")
	_, resp := receive(t, conn)
	if resp.Kind != message.UnknownMethod {
		t.Fatalf("expect UnknownMethod, got %+v", resp)
	}
	if q.Len() != 0 {
		t.Fatalf("unknown method reached the queue")
	}
}

func TestUnknownMethodNamesStayOutOfMetrics(t *testing.T) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	q := queue.New()
	svr := New(Config{
		Methods: surface.New(cadhost.NewMemory()),
		Logger:  zaptest.NewLogger(t),
		Metrics: m,
	})
	if err := svr.Start("tcp", "127.0.0.1:0", q); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		svr.Shutdown()
		q.Close()
		svr.Join(time.Second)
	})
	conn := dial(t, svr)

	for i, method := range []string{"format_disk", "rm_rf_home"} {
		send(t, conn, uint32(i+1), method)
		if _, resp := receive(t, conn); resp.Kind != message.UnknownMethod {
			t.Fatalf("expect UnknownMethod, got %+v", resp)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var labels []string
	for _, mf := range families {
		if mf.GetName() != "cadbridge_call_duration_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetValue())
			}
		}
	}
	if len(labels) != 1 || labels[0] != unknownMethodLabel {
		t.Fatalf("expect a single %q method label, got %v", unknownMethodLabel, labels)
	}
}

func TestMalformedArguments(t *testing.T) {
	svr, q := startServer(t, time.Second)
	conn := dial(t, svr)

	body, _ := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.RPCMessage{
		ServiceMethod: "get_object",
		Payload:       []byte(`{"doc": "Gear"}`),
	})
	if err := protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 7}, body); err != nil {
		t.Fatal(err)
	}
	_, resp := receive(t, conn)
	if resp.Kind != message.InvalidArguments {
		t.Fatalf("expect InvalidArguments, got %+v", resp)
	}
	if q.Len() != 0 {
		t.Fatalf("malformed call reached the queue")
	}
}

func TestTimeoutAbandonsCommand(t *testing.T) {
	svr, q := startServer(t, 50*time.Millisecond)
	conn := dial(t, svr)

	// Nothing drains the queue.
	send(t, conn, 1, "create_document", "Late")
	_, resp := receive(t, conn)
	if resp.Kind != message.Timeout {
		t.Fatalf("expect Timeout, got %+v", resp)
	}

	calls := q.DrainAll()
	if len(calls) != 1 {
		t.Fatalf("expect the abandoned call still queued, got %d", len(calls))
	}
	if calls[0].Claim() {
		t.Fatal("an abandoned call must not be claimable")
	}
}

func TestShutdownReleasesWaiters(t *testing.T) {
	svr, q := startServer(t, 10*time.Second)
	conn := dial(t, svr)

	for i := uint32(1); i <= 3; i++ {
		send(t, conn, i, "ping")
	}
	waitForDepth(t, q, 3)

	svr.Shutdown()
	if n := q.Close(); n != 3 {
		t.Fatalf("expect 3 calls released, got %d", n)
	}
	for i := 0; i < 3; i++ {
		_, resp := receive(t, conn)
		if resp.Kind != message.ServerShuttingDown {
			t.Fatalf("expect ServerShuttingDown, got %+v", resp)
		}
	}
	if err := svr.Join(2 * time.Second); err != nil {
		t.Fatalf("join: %v", err)
	}
	if svr.Err() != nil {
		t.Fatalf("orderly shutdown should leave no error, got %v", svr.Err())
	}
	if _, err := net.Dial("tcp", svr.Addr().String()); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestRateLimitedCallsSkipQueue(t *testing.T) {
	svr, q := startServer(t, 50*time.Millisecond, middleware.RateLimitMiddleware(0.001, 1))
	conn := dial(t, svr)

	send(t, conn, 1, "ping")
	_, first := receive(t, conn)
	if first.Kind != message.Timeout {
		t.Fatalf("first call should pass the limiter and time out, got %+v", first)
	}

	send(t, conn, 2, "ping")
	_, second := receive(t, conn)
	if second.Kind != message.RateLimited {
		t.Fatalf("expect RateLimited, got %+v", second)
	}
	if n := len(q.DrainAll()); n != 1 {
		t.Fatalf("expect only the first call queued, got %d", n)
	}
}

func TestStartFailsOnBusyPort(t *testing.T) {
	svr, _ := startServer(t, time.Second)

	other := New(Config{Methods: surface.New(cadhost.NewMemory())})
	if err := other.Start("tcp", svr.Addr().String(), queue.New()); err == nil {
		t.Fatal("expect bind failure on a busy port")
	}
}
