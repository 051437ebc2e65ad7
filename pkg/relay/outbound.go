package relay

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
)

// outboundDepth bounds the per-connection write backlog. A peer that
// cannot drain this many frames is treated as dead.
const outboundDepth = 256

var errLaneClosed = errors.New("outbound lane closed")
var errLaneFull = errors.New("outbound lane full")

// outbound is the serialized write lane of one connection: exactly one
// writer goroutine drains the channel, so frames never interleave. Send
// never blocks on socket I/O, which makes it safe to call under the
// registry lock.
type outbound struct {
	conn net.Conn
	log  *logging.Logger

	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newOutbound(conn net.Conn, log *logging.Logger) *outbound {
	o := &outbound{
		conn:   conn,
		log:    log,
		frames: make(chan []byte, outboundDepth),
		closed: make(chan struct{}),
	}
	go o.writeLoop()
	return o
}

func (o *outbound) writeLoop() {
	for {
		select {
		case <-o.closed:
			return
		case frame := <-o.frames:
			if err := protocol.WriteRawFrame(o.conn, frame); err != nil {
				o.log.Debug(logging.CategoryNetwork, "write_failed", "closing connection after write error",
					map[string]any{"remote": o.conn.RemoteAddr().String(), "error": err.Error()})
				o.Close()
				return
			}
		}
	}
}

// Send encodes v and enqueues it for the writer.
func (o *outbound) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > protocol.MaxPayloadBytes {
		return protocol.ErrPayloadTooLarge(len(payload))
	}
	select {
	case <-o.closed:
		return errLaneClosed
	default:
	}
	select {
	case o.frames <- payload:
		return nil
	case <-o.closed:
		return errLaneClosed
	default:
		return errLaneFull
	}
}

// Close stops the writer and closes the socket. Idempotent.
func (o *outbound) Close() error {
	o.once.Do(func() {
		close(o.closed)
		o.conn.Close()
	})
	return nil
}
