// Package client implements the CLI-side transport to the relay: one TCP
// session, stable request identifiers, and retry with capped exponential
// backoff on transient errors. At-most-once execution is the joint
// property of this package's id reuse and the relay's idempotency cache.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/bigdra50/unity-relay/pkg/config"
	relayerrors "github.com/bigdra50/unity-relay/pkg/errors"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
)

// Options configures a Client.
type Options struct {
	Host        string
	Port        int
	Instance    string // default target; "" routes to the relay's default
	TimeoutMS   int
	DialTimeout time.Duration
	Retry       Policy
	Logger      *logging.Logger
}

// Client is a session to the relay. It keeps one TCP connection; losing
// it mid-call is treated as a transient timeout and the call is re-sent
// on a fresh connection with the same request id.
type Client struct {
	opts     Options
	clientID string
	log      *logging.Logger

	conn net.Conn
}

// New creates a client session. No connection is made until the first
// call.
func New(opts Options) *Client {
	if opts.Host == "" {
		opts.Host = config.DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = config.DefaultPort
	}
	if opts.TimeoutMS <= 0 {
		opts.TimeoutMS = config.DefaultCommandTimeoutMS
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Retry.Initial == 0 && opts.Retry.Max == 0 && opts.Retry.Budget == 0 {
		opts.Retry = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Client{
		opts:     opts,
		clientID: NewClientID(),
		log:      opts.Logger,
	}
}

// ClientID returns the process-stable client identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// Close drops the connection, if any.
func (c *Client) Close() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// CallOptions override per-call routing and deadline.
type CallOptions struct {
	Instance  string
	TimeoutMS int
}

// Call performs one logical command invocation: a single request id,
// automatic retry on transient errors, one terminal outcome. The returned
// bytes are the editor's reply payload exactly as relayed.
func (c *Client) Call(ctx context.Context, command string, params json.RawMessage, opts *CallOptions) (json.RawMessage, error) {
	instance := c.opts.Instance
	timeoutMS := c.opts.TimeoutMS
	if opts != nil {
		if opts.Instance != "" {
			instance = opts.Instance
		}
		if opts.TimeoutMS > 0 {
			timeoutMS = opts.TimeoutMS
		}
	}
	if params == nil {
		params = json.RawMessage("{}")
	}

	requestID := NewRequestID(c.clientID)
	req := &protocol.Request{
		Type:      protocol.TypeRequest,
		ID:        requestID,
		Instance:  instance,
		Command:   command,
		Params:    params,
		TimeoutMS: timeoutMS,
	}

	policy := c.opts.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			c.log.Info(logging.CategoryClient, "retry", "transient error, backing off",
				map[string]any{
					"request_id": requestID,
					"command":    command,
					"code":       string(relayerrors.CodeOf(err)),
					"attempt":    attempt,
					"backoff_ms": delay.Milliseconds(),
				})
		}
	}

	var data json.RawMessage
	err := policy.Execute(ctx, func() error {
		req.TS = protocol.Now()
		resp, err := c.roundTrip(req, timeoutMS)
		if err != nil {
			return err
		}
		if !resp.Success {
			code := relayerrors.CodeInternal
			message := command + " failed"
			if resp.Error != nil {
				code = relayerrors.Code(resp.Error.Code)
				message = resp.Error.Message
			}
			return relayerrors.New(code, message)
		}
		data = resp.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ListInstances returns the relay's instance snapshot. Control messages
// are single-shot: no retry.
func (c *Client) ListInstances(ctx context.Context) ([]protocol.InstanceInfo, error) {
	msg := &protocol.ListInstances{
		Type: protocol.TypeListInstances,
		ID:   NewRequestID(c.clientID),
		TS:   protocol.Now(),
	}
	raw, err := c.exchange(ctx, msg, c.opts.TimeoutMS)
	if err != nil {
		return nil, err
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.CodeProtocolError, "decode reply")
	}
	switch env.Type {
	case protocol.TypeInstances:
		var reply protocol.Instances
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, relayerrors.Wrap(err, relayerrors.CodeMalformedJSON, "decode INSTANCES")
		}
		return reply.Data.Instances, nil
	case protocol.TypeError:
		return nil, decodeErrorFrame(raw)
	default:
		return nil, relayerrors.Newf(relayerrors.CodeProtocolError, "unexpected reply type: %s", env.Type)
	}
}

// SetDefault changes the relay's default instance.
func (c *Client) SetDefault(ctx context.Context, instanceID string) error {
	msg := &protocol.SetDefault{
		Type:     protocol.TypeSetDefault,
		ID:       NewRequestID(c.clientID),
		Instance: instanceID,
		TS:       protocol.Now(),
	}
	raw, err := c.exchange(ctx, msg, c.opts.TimeoutMS)
	if err != nil {
		return err
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return relayerrors.Wrap(err, relayerrors.CodeProtocolError, "decode reply")
	}
	switch env.Type {
	case protocol.TypeResponse:
		return nil
	case protocol.TypeError:
		return decodeErrorFrame(raw)
	default:
		return relayerrors.Newf(relayerrors.CodeProtocolError, "unexpected reply type: %s", env.Type)
	}
}

// roundTrip sends one REQUEST and decodes the terminal RESPONSE/ERROR.
// Connection loss is reported as a transient TIMEOUT so the retry loop
// re-sends with the same id.
func (c *Client) roundTrip(req *protocol.Request, timeoutMS int) (*protocol.Response, error) {
	raw, err := c.exchange(context.Background(), req, timeoutMS)
	if err != nil {
		return nil, err
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.CodeProtocolError, "decode reply")
	}
	switch env.Type {
	case protocol.TypeResponse, protocol.TypeError:
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, relayerrors.Wrap(err, relayerrors.CodeMalformedJSON, "decode response")
		}
		return &resp, nil
	default:
		return nil, relayerrors.Newf(relayerrors.CodeProtocolError, "unexpected reply type: %s", env.Type)
	}
}

// exchange writes one frame and reads one reply on the session
// connection, dialing if needed.
func (c *Client) exchange(ctx context.Context, msg any, timeoutMS int) ([]byte, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	// The read deadline covers the relay-side command deadline plus
	// scheduling slack; expiry here means the connection is suspect.
	deadline := time.Duration(timeoutMS)*time.Millisecond + 5*time.Second
	conn.SetDeadline(time.Now().Add(deadline))
	defer conn.SetDeadline(time.Time{})

	if err := protocol.WriteFrame(conn, msg); err != nil {
		c.dropConn()
		return nil, transportErr(err)
	}
	raw, err := protocol.ReadFrame(conn)
	if err != nil {
		c.dropConn()
		return nil, transportErr(err)
	}
	return raw, nil
}

func (c *Client) ensureConn(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	addr := fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.CodeTimeout,
			fmt.Sprintf("cannot connect to relay at %s (is the relay running?)", addr))
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// transportErr maps an I/O failure to a transient TIMEOUT: losing the
// connection between retries is equivalent to a timed-out attempt.
func transportErr(err error) error {
	if fe, ok := err.(*protocol.FrameError); ok {
		return relayerrors.New(relayerrors.Code(fe.Code), fe.Message)
	}
	return relayerrors.Wrap(err, relayerrors.CodeTimeout, "connection to relay lost")
}

func decodeErrorFrame(raw []byte) error {
	var frame protocol.ErrorFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return relayerrors.Wrap(err, relayerrors.CodeMalformedJSON, "decode ERROR frame")
	}
	return relayerrors.New(relayerrors.Code(frame.Error.Code), frame.Error.Message)
}
