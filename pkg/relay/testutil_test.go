package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigdra50/unity-relay/pkg/config"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
)

// startServer runs an in-process relay on an ephemeral port. Heartbeats
// default to a long interval so probe traffic stays out of scripted
// exchanges; tests that exercise liveness shorten them.
func startServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Heartbeat.IntervalMS = 60000
	cfg.Heartbeat.TimeoutMS = 180000
	if mutate != nil {
		mutate(cfg)
	}

	srv := NewServer(cfg, logging.NewLogger(io.Discard, logging.LevelError))
	require.NoError(t, srv.Listen())
	go srv.Serve(context.Background())
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialRelay(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(conn, v))
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) (protocol.Envelope, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	raw, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env, raw
}

// testEditor is a scripted editor-side peer.
type testEditor struct {
	t    *testing.T
	conn net.Conn
	id   string
}

// dialEditor connects and completes the REGISTER handshake.
func dialEditor(t *testing.T, srv *Server, id string, capabilities []string) *testEditor {
	t.Helper()

	conn := dialRelay(t, srv)
	writeFrame(t, conn, &protocol.Register{
		Type:            protocol.TypeRegister,
		ProtocolVersion: protocol.Version,
		InstanceID:      id,
		ProjectName:     "TestProject",
		UnityVersion:    "2022.3.10f1",
		Capabilities:    capabilities,
		TS:              protocol.Now(),
	})

	env, raw := readFrame(t, conn, 2*time.Second)
	require.Equal(t, protocol.TypeRegistered, env.Type)
	var registered protocol.Registered
	require.NoError(t, json.Unmarshal(raw, &registered))
	require.True(t, registered.Success)
	require.Positive(t, registered.HeartbeatIntervalMS)

	return &testEditor{t: t, conn: conn, id: id}
}

// expectCommand reads until a COMMAND arrives, answering PINGs along the
// way.
func (e *testEditor) expectCommand(timeout time.Duration) *protocol.Command {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(e.t, remaining, "timed out waiting for COMMAND")

		env, raw := readFrame(e.t, e.conn, remaining)
		switch env.Type {
		case protocol.TypePing:
			e.answerPing(raw)
		case protocol.TypeCommand:
			var cmd protocol.Command
			require.NoError(e.t, json.Unmarshal(raw, &cmd))
			return &cmd
		default:
			e.t.Fatalf("unexpected frame while waiting for COMMAND: %s", env.Type)
		}
	}
}

// expectQuiet asserts no COMMAND arrives within the window (PINGs are
// answered and ignored).
func (e *testEditor) expectQuiet(window time.Duration) {
	e.t.Helper()
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		e.conn.SetReadDeadline(time.Now().Add(remaining))
		raw, err := protocol.ReadFrame(e.conn)
		if err != nil {
			e.conn.SetReadDeadline(time.Time{})
			return // deadline hit: quiet as expected
		}
		env, err := protocol.DecodeEnvelope(raw)
		require.NoError(e.t, err)
		if env.Type == protocol.TypePing {
			e.answerPing(raw)
			continue
		}
		e.t.Fatalf("expected no frames, got %s", env.Type)
	}
}

func (e *testEditor) answerPing(raw []byte) {
	var ping protocol.Ping
	require.NoError(e.t, json.Unmarshal(raw, &ping))
	writeFrame(e.t, e.conn, &protocol.Pong{Type: protocol.TypePong, TS: protocol.Now(), EchoTS: ping.TS})
}

func (e *testEditor) reply(id string, success bool, data string) {
	e.t.Helper()
	msg := &protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		ID:      id,
		Success: success,
		TS:      protocol.Now(),
	}
	if success {
		msg.Data = json.RawMessage(data)
	} else {
		msg.Error = &protocol.ErrorDetail{Code: "INTERNAL_ERROR", Message: data}
	}
	writeFrame(e.t, e.conn, msg)
}

func (e *testEditor) sendStatus(status string) {
	e.t.Helper()
	writeFrame(e.t, e.conn, &protocol.Status{
		Type:       protocol.TypeStatus,
		InstanceID: e.id,
		Status:     status,
		TS:         protocol.Now(),
	})
}

func (e *testEditor) close() {
	e.conn.Close()
}

// sendRequest writes a REQUEST on a client connection.
func sendRequest(t *testing.T, conn net.Conn, id, instance, command, params string, timeoutMS int) {
	t.Helper()
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	} else {
		raw = json.RawMessage(`{}`)
	}
	writeFrame(t, conn, &protocol.Request{
		Type:      protocol.TypeRequest,
		ID:        id,
		Instance:  instance,
		Command:   command,
		Params:    raw,
		TimeoutMS: timeoutMS,
		TS:        protocol.Now(),
	})
}

// readResponse reads one RESPONSE/ERROR frame.
func readResponse(t *testing.T, conn net.Conn, timeout time.Duration) *protocol.Response {
	t.Helper()
	env, raw := readFrame(t, conn, timeout)
	require.Contains(t, []protocol.MessageType{protocol.TypeResponse, protocol.TypeError}, env.Type)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}
