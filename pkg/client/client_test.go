package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/bigdra50/unity-relay/pkg/errors"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
)

// fakeRelay accepts connections and answers frames through a scripted
// handler. Returning false from the handler closes the connection without
// a reply (simulating relay-side connection loss).
type fakeRelay struct {
	t  *testing.T
	ln net.Listener

	mu         sync.Mutex
	handler    func(env protocol.Envelope, raw []byte, conn net.Conn) bool
	requestIDs []string
}

func newFakeRelay(t *testing.T, handler func(env protocol.Envelope, raw []byte, conn net.Conn) bool) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRelay{t: t, ln: ln, handler: handler}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeRelay) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(conn)
	}
}

func (f *fakeRelay) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			return
		}
		if env.Type == protocol.TypeRequest {
			f.mu.Lock()
			f.requestIDs = append(f.requestIDs, env.ID)
			f.mu.Unlock()
		}
		if !f.handler(env, raw, conn) {
			return
		}
	}
}

func (f *fakeRelay) seenRequestIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requestIDs...)
}

func (f *fakeRelay) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func newTestClient(f *fakeRelay, retry Policy) *Client {
	return New(Options{
		Host:      "127.0.0.1",
		Port:      f.port(),
		TimeoutMS: 2000,
		Retry:     retry,
		Logger:    logging.NewLogger(io.Discard, logging.LevelError),
	})
}

func fastPolicy() Policy {
	return Policy{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Budget: 2 * time.Second}
}

func replySuccess(conn net.Conn, id, data string) bool {
	_ = protocol.WriteFrame(conn, &protocol.Response{
		Type:    protocol.TypeResponse,
		ID:      id,
		Success: true,
		Data:    json.RawMessage(data),
		TS:      protocol.Now(),
	})
	return true
}

func replyError(conn net.Conn, id, code string) bool {
	_ = protocol.WriteFrame(conn, protocol.NewErrorFrame(id, code, code))
	return true
}

func TestRequestIDFormat(t *testing.T) {
	clientID := NewClientID()
	id := NewRequestID(clientID)

	require.True(t, strings.HasPrefix(id, clientID+":"))
	parts := strings.SplitN(id, ":", 2)
	assert.Len(t, parts[1], 36, "suffix must be a UUID")
	assert.NotEqual(t, NewRequestID(clientID), id)
}

func TestClientIDStablePerProcess(t *testing.T) {
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		return replySuccess(conn, env.ID, `{}`)
	})
	c := newTestClient(f, fastPolicy())
	assert.Equal(t, c.ClientID(), c.ClientID())
}

func TestCallSuccess(t *testing.T) {
	var gotReq protocol.Request
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		require.NoError(t, json.Unmarshal(raw, &gotReq))
		return replySuccess(conn, env.ID, `{"v":1}`)
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	data, err := c.Call(context.Background(), "echo", json.RawMessage(`{"v":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))
	assert.Equal(t, "echo", gotReq.Command)
	assert.Equal(t, `{"v":1}`, string(gotReq.Params))
	assert.True(t, strings.HasPrefix(gotReq.ID, c.ClientID()+":"))
}

func TestCallRetriesTransientWithSameID(t *testing.T) {
	attempts := 0
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		attempts++
		if attempts < 3 {
			return replyError(conn, env.ID, "INSTANCE_BUSY")
		}
		return replySuccess(conn, env.ID, `{"ok":true}`)
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	data, err := c.Call(context.Background(), "echo", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	ids := f.seenRequestIDs()
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1], "retries must reuse the request id")
	assert.Equal(t, ids[0], ids[2])
}

func TestCallFailsFastOnTerminalError(t *testing.T) {
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		return replyError(conn, env.ID, "INSTANCE_NOT_FOUND")
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	_, err := c.Call(context.Background(), "echo", nil, nil)
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.CodeInstanceNotFound))
	assert.Len(t, f.seenRequestIDs(), 1)
}

func TestCallSurfacesLastTransientOnBudgetExhaustion(t *testing.T) {
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		return replyError(conn, env.ID, "INSTANCE_BUSY")
	})

	c := newTestClient(f, Policy{
		Initial: 5 * time.Millisecond,
		Max:     10 * time.Millisecond,
		Budget:  40 * time.Millisecond,
	})
	defer c.Close()

	_, err := c.Call(context.Background(), "echo", nil, nil)
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.CodeInstanceBusy))
}

func TestConnectionLossRetriesSameID(t *testing.T) {
	attempts := 0
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		attempts++
		if attempts == 1 {
			return false // drop the connection with no reply
		}
		return replySuccess(conn, env.ID, `{"recovered":true}`)
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	data, err := c.Call(context.Background(), "echo", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"recovered":true}`, string(data))

	ids := f.seenRequestIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "the re-sent call must keep its id so the relay can dedupe")
}

func TestCallEditorFailureSurfacesEditorError(t *testing.T) {
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		_ = protocol.WriteFrame(conn, &protocol.Response{
			Type:    protocol.TypeResponse,
			ID:      env.ID,
			Success: false,
			Error:   &protocol.ErrorDetail{Code: "INTERNAL_ERROR", Message: "compile failed"},
			TS:      protocol.Now(),
		})
		return true
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	_, err := c.Call(context.Background(), "build", nil, nil)
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.CodeInternal))
	assert.Contains(t, err.Error(), "compile failed")
}

func TestCallDialFailure(t *testing.T) {
	c := New(Options{
		Host:      "127.0.0.1",
		Port:      1, // nothing listens here
		TimeoutMS: 100,
		Retry:     Policy{Initial: time.Millisecond, Max: time.Millisecond, Budget: 10 * time.Millisecond},
		Logger:    logging.NewLogger(io.Discard, logging.LevelError),
	})
	_, err := c.Call(context.Background(), "echo", nil, nil)
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.CodeTimeout))
}

func TestListInstances(t *testing.T) {
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		reply := &protocol.Instances{
			Type:    protocol.TypeInstances,
			ID:      env.ID,
			Success: true,
			TS:      protocol.Now(),
		}
		reply.Data.Instances = []protocol.InstanceInfo{
			{InstanceID: "/p/A", ProjectName: "Game", UnityVersion: "2022.3", Status: protocol.StatusReady, IsDefault: true, Capabilities: []string{}},
		}
		_ = protocol.WriteFrame(conn, reply)
		return true
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	instances, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "/p/A", instances[0].InstanceID)
	assert.True(t, instances[0].IsDefault)
}

func TestSetDefault(t *testing.T) {
	var gotInstance string
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		var msg protocol.SetDefault
		require.NoError(t, json.Unmarshal(raw, &msg))
		gotInstance = msg.Instance
		_ = protocol.WriteFrame(conn, &protocol.Response{
			Type: protocol.TypeResponse, ID: env.ID, Success: true, TS: protocol.Now(),
		})
		return true
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	require.NoError(t, c.SetDefault(context.Background(), "/p/B"))
	assert.Equal(t, "/p/B", gotInstance)
}

func TestSetDefaultUnknownInstance(t *testing.T) {
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		return replyError(conn, env.ID, "INSTANCE_NOT_FOUND")
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	err := c.SetDefault(context.Background(), "/p/missing")
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.CodeInstanceNotFound))
}

func TestCallOptionsOverride(t *testing.T) {
	var gotReq protocol.Request
	f := newFakeRelay(t, func(env protocol.Envelope, raw []byte, conn net.Conn) bool {
		require.NoError(t, json.Unmarshal(raw, &gotReq))
		return replySuccess(conn, env.ID, `{}`)
	})

	c := newTestClient(f, fastPolicy())
	defer c.Close()

	_, err := c.Call(context.Background(), "echo", nil, &CallOptions{
		Instance:  "/p/B",
		TimeoutMS: 1234,
	})
	require.NoError(t, err)
	assert.Equal(t, "/p/B", gotReq.Instance)
	assert.Equal(t, 1234, gotReq.TimeoutMS)
	assert.Equal(t, `{}`, string(gotReq.Params), "nil params default to an empty object")
}
