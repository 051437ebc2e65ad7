package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
	"github.com/bigdra50/unity-relay/pkg/registry"
)

// editorSession serves one registered editor connection: an inbound
// reader, the serialized outbound lane, and the liveness prober.
type editorSession struct {
	s    *Server
	id   string
	conn net.Conn
	lane *outbound
	pong chan *protocol.Pong
}

// handleEditorConn validates the REGISTER frame, installs the instance,
// and runs the session until the socket dies or liveness is lost.
func (s *Server) handleEditorConn(ctx context.Context, conn net.Conn, raw []byte) {
	var reg protocol.Register
	if err := json.Unmarshal(raw, &reg); err != nil {
		writeErrorFrame(conn, nil, "", "MALFORMED_JSON", err.Error())
		return
	}

	if reg.ProtocolVersion != protocol.Version {
		s.rejectRegister(conn, "PROTOCOL_VERSION_MISMATCH",
			fmt.Sprintf("unsupported protocol version: %q (expected %s)", reg.ProtocolVersion, protocol.Version))
		return
	}
	if reg.InstanceID == "" {
		s.rejectRegister(conn, "PROTOCOL_ERROR", "missing instance_id")
		return
	}

	lane := newOutbound(conn, s.log)
	s.reg.Register(lane, registry.RegisterInfo{
		InstanceID:   reg.InstanceID,
		ProjectName:  reg.ProjectName,
		UnityVersion: reg.UnityVersion,
		Capabilities: reg.Capabilities,
	})
	metricInstancesConnected.Set(float64(s.reg.Count()))

	// Acknowledge before any COMMAND re-forward so the editor never sees
	// work ahead of its registration result.
	if err := lane.Send(&protocol.Registered{
		Type:                protocol.TypeRegistered,
		Success:             true,
		HeartbeatIntervalMS: s.cfg.Heartbeat.IntervalMS,
		TS:                  protocol.Now(),
	}); err != nil {
		s.reg.ConnectionClosed(reg.InstanceID, lane)
		lane.Close()
		return
	}
	s.reg.Resume(reg.InstanceID)

	es := &editorSession{
		s:    s,
		id:   reg.InstanceID,
		conn: conn,
		lane: lane,
		pong: make(chan *protocol.Pong, 1),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return es.readLoop(ctx) })
	g.Go(func() error { return es.heartbeatLoop(ctx) })
	_ = g.Wait()

	s.reg.ConnectionClosed(es.id, lane)
	lane.Close()
	metricInstancesConnected.Set(float64(s.reg.Count()))
}

// rejectRegister answers a bad REGISTER with a failure REGISTERED frame.
func (s *Server) rejectRegister(conn net.Conn, code, message string) {
	s.log.Warn(logging.CategoryRegistry, "register_rejected", message,
		map[string]any{"remote": conn.RemoteAddr().String(), "code": code})
	_ = protocol.WriteFrame(conn, &protocol.Registered{
		Type:    protocol.TypeRegistered,
		Success: false,
		Error:   &protocol.ErrorDetail{Code: code, Message: message},
		TS:      protocol.Now(),
	})
}

// readLoop consumes frames from the editor: COMMAND_RESULT resolves the
// matching in-flight request, STATUS drives the state machine, PONG feeds
// the liveness prober. Unexpected types are logged and ignored.
func (es *editorSession) readLoop(ctx context.Context) error {
	for {
		raw, err := protocol.ReadFrame(es.conn)
		if err != nil {
			es.failRead(err)
			return err
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			es.failRead(err)
			return err
		}
		es.s.reg.Touch(es.id)

		switch env.Type {
		case protocol.TypePong:
			var pong protocol.Pong
			if json.Unmarshal(raw, &pong) == nil {
				select {
				case es.pong <- &pong:
				default:
				}
			}

		case protocol.TypeStatus:
			var status protocol.Status
			if err := json.Unmarshal(raw, &status); err != nil {
				continue
			}
			switch protocol.InstanceStatus(status.Status) {
			case protocol.StatusReloading:
				es.s.reg.NotifyStatus(es.id, protocol.StatusReloading, status.Detail)
			case protocol.StatusReady:
				es.s.reg.NotifyStatus(es.id, protocol.StatusReady, status.Detail)
			default:
				es.s.log.Warn(logging.CategoryRegistry, "bad_status", "ignoring unknown status",
					map[string]any{"instance_id": es.id, "status": status.Status})
			}

		case protocol.TypeCommandResult:
			var result protocol.CommandResult
			if err := json.Unmarshal(raw, &result); err != nil {
				es.s.log.Warn(logging.CategoryDispatch, "bad_result", "unparseable COMMAND_RESULT",
					map[string]any{"instance_id": es.id, "error": err.Error()})
				continue
			}
			es.s.reg.Complete(es.id, &result)

		default:
			es.s.log.Warn(logging.CategoryNetwork, "unexpected_frame", "ignoring unexpected editor frame",
				map[string]any{"instance_id": es.id, "type": string(env.Type)})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// failRead reports a read failure; framing errors get a best-effort final
// ERROR frame through the outbound lane so it cannot interleave with a
// concurrent COMMAND or PING write.
func (es *editorSession) failRead(err error) {
	if fe, ok := err.(*protocol.FrameError); ok {
		es.s.log.Warn(logging.CategoryNetwork, "frame_error", "fatal framing error on editor connection",
			map[string]any{"instance_id": es.id, "code": fe.Code, "error": fe.Message})
		_ = es.lane.Send(protocol.NewErrorFrame("", fe.Code, fe.Message))
		return
	}
	es.s.log.Debug(logging.CategoryNetwork, "editor_closed", "editor connection closed",
		map[string]any{"instance_id": es.id, "error": err.Error()})
}

// heartbeatLoop probes the editor on the configured interval with at most
// one PING outstanding. Consecutive losses up to the limit mark the
// instance DISCONNECTED. Probing is suspended while the instance reloads;
// the reload grace timer owns liveness there.
func (es *editorSession) heartbeatLoop(ctx context.Context) error {
	interval := es.s.cfg.HeartbeatInterval()
	probeWait := es.s.cfg.HeartbeatTimeout() / time.Duration(es.s.cfg.Heartbeat.MaxMisses)
	if probeWait <= 0 {
		probeWait = interval
	}
	misses := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		switch es.s.reg.StatusOf(es.id) {
		case protocol.StatusReloading:
			misses = 0
			continue
		case protocol.StatusDisconnected:
			return fmt.Errorf("instance %s disconnected", es.id)
		}

		// Drop a stale PONG from a probe already declared lost.
		select {
		case <-es.pong:
		default:
		}

		if err := es.lane.Send(&protocol.Ping{Type: protocol.TypePing, TS: protocol.Now()}); err != nil {
			es.s.reg.MarkLost(es.id)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-es.pong:
			misses = 0
		case <-time.After(probeWait):
			misses++
			metricHeartbeatMisses.Inc()
			es.s.log.Warn(logging.CategoryHeartbeat, "probe_lost", "liveness probe unanswered",
				map[string]any{"instance_id": es.id, "misses": misses, "max": es.s.cfg.Heartbeat.MaxMisses})
			if misses >= es.s.cfg.Heartbeat.MaxMisses {
				if es.s.reg.StatusOf(es.id) == protocol.StatusReloading {
					// Reload began mid-probe; the grace timer takes over.
					misses = 0
					continue
				}
				es.s.reg.MarkLost(es.id)
				return fmt.Errorf("instance %s lost after %d missed probes", es.id, misses)
			}
		}
	}
}
