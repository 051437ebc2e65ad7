package registry

import (
	"encoding/json"
	"time"

	"github.com/bigdra50/unity-relay/pkg/protocol"
)

// Conn is the outbound lane to an editor connection. Send enqueues a frame
// for the connection's single writer; it must not block on socket I/O.
type Conn interface {
	Send(v any) error
	Close() error
}

// InFlight is one dispatched (or queued) request: created by the
// client-facing path, completed by the editor-facing path.
type InFlight struct {
	RequestID string
	Command   string
	Params    json.RawMessage
	TimeoutMS int
	Deadline  time.Time

	done chan *protocol.Response
}

func newInFlight(requestID, command string, params json.RawMessage, timeoutMS int) *InFlight {
	return &InFlight{
		RequestID: requestID,
		Command:   command,
		Params:    params,
		TimeoutMS: timeoutMS,
		Deadline:  time.Now().Add(time.Duration(timeoutMS) * time.Millisecond),
		done:      make(chan *protocol.Response, 1),
	}
}

// Done yields the completion slot. Exactly one Response is delivered per
// in-flight request; a waiter that stops listening loses nothing but the
// late result.
func (f *InFlight) Done() <-chan *protocol.Response {
	return f.done
}

// resolve delivers the terminal response. The slot is buffered, so a
// resolve after the waiter timed out is dropped on the floor rather than
// blocking the editor path.
func (f *InFlight) resolve(resp *protocol.Response) {
	select {
	case f.done <- resp:
	default:
	}
}

func (f *InFlight) expired() bool {
	return time.Now().After(f.Deadline)
}

func (f *InFlight) command() *protocol.Command {
	return &protocol.Command{
		Type:      protocol.TypeCommand,
		ID:        f.RequestID,
		Command:   f.Command,
		Params:    f.Params,
		TimeoutMS: f.TimeoutMS,
		TS:        protocol.Now(),
	}
}

// Instance is one registered editor connection. All fields are guarded by
// the owning Registry's mutex.
type Instance struct {
	ID           string
	ProjectName  string
	UnityVersion string
	Capabilities []string

	conn   Conn
	status protocol.InstanceStatus

	seq           uint64
	registeredAt  time.Time
	lastHeartbeat time.Time

	reloadingSince time.Time
	graceTimer     *time.Timer

	// resumePending blocks dispatch between takeover and Resume so an
	// inherited in-flight request is re-forwarded before new work.
	resumePending bool

	outstanding *InFlight
	queue       []*InFlight
}

func (i *Instance) supports(command string) bool {
	if len(i.Capabilities) == 0 {
		return true
	}
	for _, c := range i.Capabilities {
		if c == command {
			return true
		}
	}
	return false
}

func (i *Instance) enqueue(fl *InFlight, capacity int) bool {
	if len(i.queue) >= capacity {
		return false
	}
	i.queue = append(i.queue, fl)
	return true
}

func (i *Instance) dequeue() *InFlight {
	if len(i.queue) == 0 {
		return nil
	}
	fl := i.queue[0]
	i.queue = i.queue[1:]
	return fl
}

// flushQueue resolves every queued request with the given error.
func (i *Instance) flushQueue(code, message string) {
	for _, fl := range i.queue {
		fl.resolve(errorResponse(fl.RequestID, code, message))
	}
	i.queue = nil
}

func (i *Instance) info(isDefault bool) protocol.InstanceInfo {
	caps := i.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return protocol.InstanceInfo{
		InstanceID:   i.ID,
		ProjectName:  i.ProjectName,
		UnityVersion: i.UnityVersion,
		Status:       i.status,
		IsDefault:    isDefault,
		Capabilities: caps,
		QueueSize:    len(i.queue),
	}
}

// errorResponse builds an ERROR-typed terminal reply. Routing and state
// failures travel as ERROR frames; editor results travel as RESPONSE.
func errorResponse(requestID, code, message string) *protocol.Response {
	return &protocol.Response{
		Type:    protocol.TypeError,
		ID:      requestID,
		Success: false,
		Error:   &protocol.ErrorDetail{Code: code, Message: message},
		TS:      protocol.Now(),
	}
}
