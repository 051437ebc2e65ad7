// Package registry tracks connected editor instances and routes requests
// through the per-instance state machine:
//
//	READY ⇄ BUSY, either → RELOADING → (re-register → READY | grace → DISCONNECTED)
//
// The registry owns every Instance record; all operations are mutually
// exclusive under one mutex. Frame sends go through the non-blocking
// outbound lane of each connection, so no socket I/O happens under the
// lock.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	relayerrors "github.com/bigdra50/unity-relay/pkg/errors"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
)

// Options configures registry behavior.
type Options struct {
	QueueEnabled  bool
	QueueCapacity int
	ReloadGrace   time.Duration
	Logger        *logging.Logger
}

// Registry is the in-memory instance table.
type Registry struct {
	mu  sync.Mutex
	log *logging.Logger

	instances map[string]*Instance
	defaultID string
	seq       uint64

	queueEnabled  bool
	queueCapacity int
	reloadGrace   time.Duration
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 10
	}
	if opts.ReloadGrace <= 0 {
		opts.ReloadGrace = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Registry{
		log:           opts.Logger,
		instances:     make(map[string]*Instance),
		queueEnabled:  opts.QueueEnabled,
		queueCapacity: opts.QueueCapacity,
		reloadGrace:   opts.ReloadGrace,
	}
}

// RegisterInfo carries the validated fields of a REGISTER frame.
type RegisterInfo struct {
	InstanceID   string
	ProjectName  string
	UnityVersion string
	Capabilities []string
}

// Register atomically installs or replaces the instance keyed by
// info.InstanceID.
//
// A prior connection is displaced: if it was mid-reload its in-flight
// request and queue are inherited by the new connection (call Resume after
// acknowledging registration to re-forward); otherwise its in-flight
// requester receives INSTANCE_DISCONNECTED and the old socket is closed.
func (r *Registry) Register(conn Conn, info RegisterInfo) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inherited *InFlight
	var inheritedQueue []*InFlight

	if old, ok := r.instances[info.InstanceID]; ok {
		old.stopGraceTimerLocked()
		if old.status == protocol.StatusReloading {
			inherited = old.outstanding
			inheritedQueue = old.queue
		} else {
			r.evictLocked(old, "replaced by new registration")
		}
		if old.conn != nil {
			old.conn.Close()
		}
		r.log.Info(logging.CategoryRegistry, "takeover", "replacing existing instance",
			map[string]any{"instance_id": info.InstanceID, "old_status": string(old.status)})
	}

	r.seq++
	inst := &Instance{
		ID:            info.InstanceID,
		ProjectName:   info.ProjectName,
		UnityVersion:  info.UnityVersion,
		Capabilities:  info.Capabilities,
		conn:          conn,
		status:        protocol.StatusReady,
		seq:           r.seq,
		registeredAt:  time.Now(),
		lastHeartbeat: time.Now(),
		outstanding:   inherited,
		queue:         inheritedQueue,
		resumePending: inherited != nil || len(inheritedQueue) > 0,
	}
	r.instances[info.InstanceID] = inst

	if r.defaultID == "" {
		r.defaultID = info.InstanceID
	}

	r.log.Info(logging.CategoryRegistry, "registered", "instance registered",
		map[string]any{"instance_id": inst.ID, "project": inst.ProjectName, "unity": inst.UnityVersion})
	return inst
}

// Resume re-forwards an in-flight request inherited across a reload.
// Called after the REGISTERED acknowledgment is on the wire so the editor
// never sees a COMMAND before it knows registration succeeded. An expired
// inherited request is dropped silently and the queue drained in its
// place.
func (r *Registry) Resume(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok || !inst.resumePending {
		return
	}
	inst.resumePending = false

	if fl := inst.outstanding; fl != nil {
		inst.outstanding = nil
		if !fl.expired() {
			r.forwardLocked(inst, fl)
			r.log.Info(logging.CategoryRegistry, "resume", "re-forwarded in-flight request after reload",
				map[string]any{"instance_id": inst.ID, "request_id": fl.RequestID})
			return
		}
		r.log.Debug(logging.CategoryRegistry, "resume_drop", "dropped expired in-flight request after reload",
			map[string]any{"instance_id": inst.ID, "request_id": fl.RequestID})
	}
	r.drainLocked(inst)
}

// DispatchRequest is the routing input extracted from a client REQUEST.
type DispatchRequest struct {
	RequestID string
	Command   string
	Params    json.RawMessage
	TimeoutMS int
}

// Dispatch routes a request to the target instance (empty target = the
// default instance) and returns its completion slot. The routing errors
// of the state machine come back as *errors.Error values.
func (r *Registry) Dispatch(target string, req DispatchRequest) (*InFlight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.resolveLocked(target)
	if inst == nil {
		if target != "" {
			return nil, relayerrors.Newf(relayerrors.CodeInstanceNotFound, "instance not found: %s", target)
		}
		return nil, relayerrors.New(relayerrors.CodeInstanceNotFound, "no instances registered")
	}

	if !inst.supports(req.Command) {
		return nil, relayerrors.Newf(relayerrors.CodeCapabilityNotSupported,
			"command %q not supported by instance %s", req.Command, inst.ID)
	}

	switch {
	case inst.status == protocol.StatusReloading:
		return nil, relayerrors.Newf(relayerrors.CodeInstanceReloading, "instance is reloading: %s", inst.ID)

	case inst.status == protocol.StatusDisconnected:
		return nil, relayerrors.Newf(relayerrors.CodeInstanceDisconnected, "instance disconnected: %s", inst.ID)

	case inst.status == protocol.StatusBusy || inst.resumePending:
		if !r.queueEnabled {
			return nil, relayerrors.Newf(relayerrors.CodeInstanceBusy, "instance is busy: %s", inst.ID)
		}
		fl := newInFlight(req.RequestID, req.Command, req.Params, req.TimeoutMS)
		if !inst.enqueue(fl, r.queueCapacity) {
			return nil, relayerrors.Newf(relayerrors.CodeQueueFull,
				"command queue is full (max %d): %s", r.queueCapacity, inst.ID)
		}
		r.log.Debug(logging.CategoryDispatch, "enqueued", "command queued",
			map[string]any{"instance_id": inst.ID, "request_id": fl.RequestID, "queue_size": len(inst.queue)})
		return fl, nil

	default: // READY
		fl := newInFlight(req.RequestID, req.Command, req.Params, req.TimeoutMS)
		if err := r.forwardLocked(inst, fl); err != nil {
			return nil, err
		}
		return fl, nil
	}
}

// forwardLocked sends COMMAND on the instance's outbound lane and records
// it as outstanding. A send failure means the lane is dead; the instance
// is marked lost.
func (r *Registry) forwardLocked(inst *Instance, fl *InFlight) error {
	if err := inst.conn.Send(fl.command()); err != nil {
		r.markLostLocked(inst, "send failed")
		return relayerrors.Wrap(err, relayerrors.CodeInstanceDisconnected, "forward command")
	}
	inst.status = protocol.StatusBusy
	inst.outstanding = fl
	r.log.Debug(logging.CategoryDispatch, "forwarded", "command forwarded",
		map[string]any{"instance_id": inst.ID, "request_id": fl.RequestID, "command": fl.Command})
	return nil
}

// Complete matches a COMMAND_RESULT against the instance's outstanding
// request. A match resolves the completion slot, returns the instance to
// READY, and drains one queued request. A deadline does not clear the
// outstanding request, so a late result after TIMEOUT still matches: the
// instance is freed and the result is dropped in the unread slot. A result
// with any other id is logged and reported false; the state is unchanged.
func (r *Registry) Complete(instanceID string, result *protocol.CommandResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return false
	}

	fl := inst.outstanding
	if fl == nil || fl.RequestID != result.ID {
		r.log.Warn(logging.CategoryDispatch, "stale_result", "discarding COMMAND_RESULT with no matching in-flight",
			map[string]any{"instance_id": instanceID, "request_id": result.ID})
		return false
	}

	inst.outstanding = nil
	if inst.status == protocol.StatusBusy {
		inst.status = protocol.StatusReady
	}

	resp := &protocol.Response{
		Type:    protocol.TypeResponse,
		ID:      result.ID,
		Success: result.Success,
		Data:    result.Data,
		Error:   result.Error,
		TS:      protocol.Now(),
	}
	if !result.Success && resp.Error == nil {
		resp.Error = &protocol.ErrorDetail{Code: string(relayerrors.CodeInternal), Message: "editor reported failure"}
	}
	fl.resolve(resp)

	r.drainLocked(inst)
	return true
}

// drainLocked forwards the next non-expired queued request, if any.
func (r *Registry) drainLocked(inst *Instance) {
	if inst.status != protocol.StatusReady {
		return
	}
	for {
		next := inst.dequeue()
		if next == nil {
			return
		}
		if next.expired() {
			r.log.Debug(logging.CategoryDispatch, "queue_skip", "skipping expired queued command",
				map[string]any{"instance_id": inst.ID, "request_id": next.RequestID})
			continue
		}
		if r.forwardLocked(inst, next) == nil {
			return
		}
		// forward failure marked the instance lost and flushed the queue
		return
	}
}

// NotifyStatus applies an editor-reported state change. A "reloading"
// report suspends the heartbeat path and arms the extended grace timer;
// in-flight work is held, not failed. A "ready" report after a soft
// reload resumes normal dispatch.
func (r *Registry) NotifyStatus(instanceID string, status protocol.InstanceStatus, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return false
	}

	r.log.Info(logging.CategoryRegistry, "status", "instance status change",
		map[string]any{"instance_id": instanceID, "from": string(inst.status), "to": string(status), "detail": detail})

	switch status {
	case protocol.StatusReloading:
		if inst.status == protocol.StatusDisconnected {
			return false
		}
		inst.status = protocol.StatusReloading
		inst.reloadingSince = time.Now()
		inst.armGraceTimerLocked(r.reloadGrace, func() { r.graceExpired(instanceID) })

	case protocol.StatusReady:
		if inst.status != protocol.StatusReloading {
			return false
		}
		inst.stopGraceTimerLocked()
		inst.reloadingSince = time.Time{}
		inst.status = protocol.StatusReady
		if inst.outstanding != nil {
			// The editor kept its socket through the reload; the
			// outstanding command is still queued on its side.
			inst.status = protocol.StatusBusy
		} else {
			r.drainLocked(inst)
		}

	default:
		return false
	}
	return true
}

// graceExpired fires when an instance stayed in RELOADING past the grace
// period without re-registering.
func (r *Registry) graceExpired(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok || inst.status != protocol.StatusReloading {
		return
	}
	r.log.Warn(logging.CategoryRegistry, "reload_timeout", "reload grace expired",
		map[string]any{"instance_id": instanceID})
	r.markLostLocked(inst, "reload grace expired")
}

// MarkLost disconnects an instance after liveness loss: in-flight and
// queued requests fail with INSTANCE_DISCONNECTED and the connection is
// closed.
func (r *Registry) MarkLost(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return
	}
	r.markLostLocked(inst, "liveness lost")
}

func (r *Registry) markLostLocked(inst *Instance, reason string) {
	inst.stopGraceTimerLocked()
	r.evictLocked(inst, reason)
	if inst.conn != nil {
		inst.conn.Close()
	}
	delete(r.instances, inst.ID)
	if r.defaultID == inst.ID {
		r.defaultID = r.earliestLocked()
	}
	r.log.Info(logging.CategoryRegistry, "disconnected", "instance removed",
		map[string]any{"instance_id": inst.ID, "reason": reason})
}

// evictLocked fails the instance's in-flight and queued work and marks it
// terminally disconnected for this connection lifetime.
func (r *Registry) evictLocked(inst *Instance, reason string) {
	if fl := inst.outstanding; fl != nil {
		inst.outstanding = nil
		fl.resolve(errorResponse(fl.RequestID, string(relayerrors.CodeInstanceDisconnected),
			"instance disconnected: "+reason))
	}
	inst.flushQueue(string(relayerrors.CodeInstanceDisconnected), "instance disconnected: "+reason)
	inst.status = protocol.StatusDisconnected
}

// ConnectionClosed is called by the editor session when its socket dies.
// A reloading instance is kept (the grace timer decides its fate); any
// other state is liveness loss. The conn argument guards against a stale
// session tearing down its replacement after a takeover.
func (r *Registry) ConnectionClosed(instanceID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok || inst.conn != conn {
		return
	}
	if inst.status == protocol.StatusReloading {
		r.log.Debug(logging.CategoryRegistry, "reload_close", "socket closed during reload, holding instance",
			map[string]any{"instance_id": instanceID})
		return
	}
	r.markLostLocked(inst, "connection closed")
}

// Touch records a liveness signal (any inbound frame counts).
func (r *Registry) Touch(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceID]; ok {
		inst.lastHeartbeat = time.Now()
	}
}

// StatusOf returns the instance's current status, or DISCONNECTED for an
// unknown id.
func (r *Registry) StatusOf(instanceID string) protocol.InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceID]; ok {
		return inst.status
	}
	return protocol.StatusDisconnected
}

// SetDefault changes the default instance. Returns false for unknown ids.
func (r *Registry) SetDefault(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[instanceID]; !ok {
		return false
	}
	r.defaultID = instanceID
	return true
}

// DefaultID returns the current default instance id ("" if none).
func (r *Registry) DefaultID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultID
}

// List returns a point-in-time snapshot ordered by registration.
func (r *Registry) List() []protocol.InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(a, b int) bool { return insts[a].seq < insts[b].seq })

	out := make([]protocol.InstanceInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.info(inst.ID == r.defaultID))
	}
	return out
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// CloseAll tears down every instance, failing all pending work.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		inst.stopGraceTimerLocked()
		r.evictLocked(inst, "relay shutting down")
		if inst.conn != nil {
			inst.conn.Close()
		}
	}
	r.instances = make(map[string]*Instance)
	r.defaultID = ""
}

// resolveLocked finds the dispatch target: an explicit id, or the default.
func (r *Registry) resolveLocked(target string) *Instance {
	if target != "" {
		return r.instances[target]
	}
	if r.defaultID != "" {
		return r.instances[r.defaultID]
	}
	return nil
}

// earliestLocked returns the earliest-registered remaining instance id.
func (r *Registry) earliestLocked() string {
	var best *Instance
	for _, inst := range r.instances {
		if best == nil || inst.seq < best.seq {
			best = inst
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func (i *Instance) armGraceTimerLocked(grace time.Duration, fn func()) {
	i.stopGraceTimerLocked()
	i.graceTimer = time.AfterFunc(grace, fn)
}

func (i *Instance) stopGraceTimerLocked() {
	if i.graceTimer != nil {
		i.graceTimer.Stop()
		i.graceTimer = nil
	}
}
