package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cad-bridge/cadhost"
	"cad-bridge/control"
	"cad-bridge/dispatcher"
	"cad-bridge/lifecycle"
	"cad-bridge/surface"
)

func TestParseArg(t *testing.T) {
	assert.Equal(t, "Gear", parseArg("Gear"))
	assert.Equal(t, 4.0, parseArg("4"))
	assert.Equal(t, map[string]any{"Name": "Hub"}, parseArg(`{"Name":"Hub"}`))
}

func startHost(t *testing.T) (*lifecycle.Controller, *dispatcher.EventLoop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatcher.NewEventLoop(nil, zaptest.NewLogger(t))
	go loop.Run(ctx)

	ctrl := lifecycle.New(lifecycle.Config{
		Address:      "127.0.0.1:0",
		Surface:      surface.New(cadhost.NewMemory()),
		Scheduler:    loop,
		TickInterval: 5 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		if ctrl.CanStop() {
			ctrl.Stop()
		}
		cancel()
		<-loop.Done()
	})
	return ctrl, loop
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	ctrl, _ := startHost(t)
	_, err := ctrl.Start()
	require.NoError(t, err)

	out, err := run(t, "ping", "--addr", ctrl.Addr())
	require.NoError(t, err)
	assert.Equal(t, "pong\n", out)

	out, err = run(t, "call", "create_document", "Gear", "--addr", ctrl.Addr())
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "Gear", created["document_name"])

	_, err = run(t, "call", "format_disk", "--addr", ctrl.Addr())
	assert.ErrorContains(t, err, "UnknownMethod")
}

func TestMenuCommands(t *testing.T) {
	ctrl, loop := startHost(t)
	srv := httptest.NewServer(control.NewHandler(control.Config{Lifecycle: ctrl, Invoke: loop.Call}))
	defer srv.Close()
	t.Setenv("CADBRIDGE_CONTROL_ADDR", srv.Listener.Addr().String())

	out, err := run(t, "start")
	require.NoError(t, err)
	assert.Contains(t, out, "RPC server started")

	out, err = run(t, "status")
	require.NoError(t, err)
	var st control.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "running", st.State)
	assert.True(t, st.CanStop)

	_, err = run(t, "start")
	assert.ErrorContains(t, err, "AlreadyRunning")

	out, err = run(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "RPC server stopped")
}
