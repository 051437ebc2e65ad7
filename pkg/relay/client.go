package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	relayerrors "github.com/bigdra50/unity-relay/pkg/errors"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
	"github.com/bigdra50/unity-relay/pkg/registry"
)

// handleClientConn serves one client session: a persistent connection
// carrying zero or more REQUEST and control frames. Requests are handled
// independently; replies share the connection through one write mutex.
func (s *Server) handleClientConn(ctx context.Context, conn net.Conn, env protocol.Envelope, raw []byte) {
	var wmu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	// Shutdown closes the connection so a read blocked on an idle client
	// cannot hold the session open.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.done:
			conn.Close()
		case <-stop:
		}
	}()

	for {
		if !s.handleClientFrame(conn, &wmu, &wg, env, raw) {
			return
		}

		var err error
		raw, err = protocol.ReadFrame(conn)
		if err != nil {
			s.failClientRead(conn, &wmu, err)
			return
		}
		env, err = protocol.DecodeEnvelope(raw)
		if err != nil {
			s.failClientRead(conn, &wmu, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
	}
}

// failClientRead reports a read failure on a client session; framing
// errors get a best-effort final ERROR frame serialized against in-flight
// reply writers.
func (s *Server) failClientRead(conn net.Conn, wmu *sync.Mutex, err error) {
	if fe, ok := err.(*protocol.FrameError); ok {
		s.log.Warn(logging.CategoryNetwork, "frame_error", "fatal framing error on client connection",
			map[string]any{"remote": conn.RemoteAddr().String(), "code": fe.Code, "error": fe.Message})
		writeErrorFrame(conn, wmu, "", fe.Code, fe.Message)
		return
	}
	s.log.Debug(logging.CategoryNetwork, "client_closed", "client connection closed",
		map[string]any{"remote": conn.RemoteAddr().String(), "error": err.Error()})
}

// handleClientFrame processes one frame; false means the connection is no
// longer usable.
func (s *Server) handleClientFrame(conn net.Conn, wmu *sync.Mutex, wg *sync.WaitGroup, env protocol.Envelope, raw []byte) bool {
	switch env.Type {
	case protocol.TypeRequest:
		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			writeErrorFrame(conn, wmu, env.ID, "MALFORMED_JSON", err.Error())
			return false
		}
		if req.ID == "" {
			writeErrorFrame(conn, wmu, "", "PROTOCOL_ERROR", "missing request id")
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.executeRequest(&req)
			s.writeReply(conn, wmu, resp)
		}()
		return true

	case protocol.TypeListInstances:
		reply := &protocol.Instances{
			Type:    protocol.TypeInstances,
			ID:      env.ID,
			Success: true,
			TS:      protocol.Now(),
		}
		reply.Data.Instances = s.reg.List()
		s.writeReply(conn, wmu, reply)
		return true

	case protocol.TypeSetDefault:
		var msg protocol.SetDefault
		if err := json.Unmarshal(raw, &msg); err != nil {
			writeErrorFrame(conn, wmu, env.ID, "MALFORMED_JSON", err.Error())
			return false
		}
		if !s.reg.SetDefault(msg.Instance) {
			writeErrorFrame(conn, wmu, msg.ID, "INSTANCE_NOT_FOUND", "instance not found: "+msg.Instance)
			return true
		}
		s.log.Info(logging.CategoryDispatch, "set_default", "default instance changed",
			map[string]any{"instance_id": msg.Instance})
		data, _ := json.Marshal(map[string]string{"message": "default instance set to " + msg.Instance})
		s.writeReply(conn, wmu, &protocol.Response{
			Type:    protocol.TypeResponse,
			ID:      msg.ID,
			Success: true,
			Data:    data,
			TS:      protocol.Now(),
		})
		return true

	default:
		writeErrorFrame(conn, wmu, env.ID, "PROTOCOL_ERROR", "unexpected client frame type: "+string(env.Type))
		return false
	}
}

// executeRequest routes a REQUEST through the idempotency cache and the
// registry, waits for the completion slot or the deadline, and returns
// the terminal reply.
func (s *Server) executeRequest(req *protocol.Request) *protocol.Response {
	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = s.cfg.Client.TimeoutMS
	}

	resp := s.cache.Do(req.ID, func() *protocol.Response {
		metricRequestsInflight.Inc()
		defer metricRequestsInflight.Dec()

		fl, err := s.reg.Dispatch(req.Instance, registry.DispatchRequest{
			RequestID: req.ID,
			Command:   req.Command,
			Params:    req.Params,
			TimeoutMS: timeoutMS,
		})
		if err != nil {
			return errorReply(req.ID, err)
		}

		timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case result := <-fl.Done():
			return result
		case <-timer.C:
			s.log.Warn(logging.CategoryDispatch, "request_timeout", "deadline reached, late result will be discarded",
				map[string]any{"request_id": req.ID, "timeout_ms": timeoutMS})
			return errorReply(req.ID, relayerrors.Newf(relayerrors.CodeTimeout,
				"command timed out after %dms", timeoutMS))
		case <-s.done:
			return errorReply(req.ID, relayerrors.New(relayerrors.CodeInternal, "relay shutting down"))
		}
	})

	code := "OK"
	if !resp.Success && resp.Error != nil {
		code = resp.Error.Code
	}
	metricRequestsTotal.WithLabelValues(code).Inc()
	return resp
}

// errorReply converts a routing error into the ERROR frame sent to the
// client.
func errorReply(requestID string, err error) *protocol.Response {
	var re *relayerrors.Error
	if !errors.As(err, &re) {
		re = relayerrors.Wrap(err, relayerrors.CodeInternal, "dispatch failed")
	}
	return &protocol.Response{
		Type:    protocol.TypeError,
		ID:      requestID,
		Success: false,
		Error:   &protocol.ErrorDetail{Code: string(re.Code), Message: re.Message},
		TS:      protocol.Now(),
	}
}

// writeReply writes one frame under the session's write mutex.
func (s *Server) writeReply(conn net.Conn, wmu *sync.Mutex, v any) {
	wmu.Lock()
	defer wmu.Unlock()
	if err := protocol.WriteFrame(conn, v); err != nil {
		s.log.Debug(logging.CategoryNetwork, "reply_failed", "failed to write client reply",
			map[string]any{"remote": conn.RemoteAddr().String(), "error": err.Error()})
	}
}
