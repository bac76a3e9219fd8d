// Package napcat bridges a moltbot host application to the external napcat
// QQ backend process. The backend is spawned as a child process and spoken to
// over line-delimited JSON-RPC on its stdio streams; the host never talks to
// the backend directly.
//
// A Bridge is one shared long-lived session. It owns at most one
// transport/correlator/router triple at a time, serializes concurrent
// connection attempts, and keeps notification subscribers registered across
// reconnects.
package napcat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// State is the bridge connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// conn bundles one live transport/correlator pair with its diagnostic
// identity and the backend state negotiated during connect.
type conn struct {
	id           ulid.ULID
	transport    *Transport
	client       *Client
	capabilities Capabilities
	subscription int64
}

// connectAttempt lets every caller of EnsureConnected during one in-flight
// attempt await the same outcome instead of racing to spawn.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Bridge is the shared session between the host and the backend process.
// Construct one with NewBridge and pass the handle to every collaborator that
// needs it; the lifecycle is owned by whichever component starts the host
// integration.
type Bridge struct {
	cfg    Config
	log    zerolog.Logger
	router *Router

	mu            sync.Mutex
	state         State
	conn          *conn
	attempt       *connectAttempt
	disconnecting chan struct{}
}

// NewBridge creates an idle bridge. Nothing is spawned until the first
// EnsureConnected or Send.
func NewBridge(cfg Config, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		log:    log.With().Str("component", "bridge").Logger(),
		router: NewRouter(log),
		state:  StateIdle,
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Capabilities returns the backend capabilities negotiated by initialize,
// and whether a connection currently exists.
func (b *Bridge) Capabilities() (Capabilities, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return Capabilities{}, false
	}
	return b.conn.capabilities, true
}

// EnsureConnected makes sure a live connection exists. If the bridge is
// already connected it returns immediately; if a connection attempt is in
// progress the caller awaits that same attempt; if a disconnect is in
// progress the caller waits for it to finish and then connects fresh.
// Exactly one subprocess is spawned no matter how many callers race here.
func (b *Bridge) EnsureConnected(ctx context.Context) error {
	for {
		b.mu.Lock()
		switch b.state {
		case StateConnected:
			b.mu.Unlock()
			return nil
		case StateConnecting:
			att := b.attempt
			b.mu.Unlock()
			select {
			case <-att.done:
				return att.err
			case <-ctx.Done():
				return ctx.Err()
			}
		case StateDisconnecting:
			done := b.disconnecting
			b.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		att := &connectAttempt{done: make(chan struct{})}
		b.attempt = att
		b.state = StateConnecting
		b.mu.Unlock()

		connection, err := b.connect(ctx)

		b.mu.Lock()
		att.err = err
		if b.attempt == att {
			b.attempt = nil
			if err == nil {
				b.conn = connection
				b.state = StateConnected
			} else {
				b.state = StateIdle
			}
		}
		b.mu.Unlock()
		close(att.done)
		return err
	}
}

// connect spawns the transport and performs the activation handshake:
// initialize, then watch.subscribe. Failure at any step tears down whatever
// was started.
func (b *Bridge) connect(ctx context.Context) (*conn, error) {
	id := ulid.Make()
	log := b.log.With().Str("conn", id.String()).Logger()

	c := &conn{id: id}
	c.transport = NewTransport(log)
	c.transport.SetLimits(b.cfg.limits())
	c.client = NewClient(c.transport, b.router, log)

	onExit := func(exitErr error) { b.handleExit(c, exitErr) }
	if err := c.transport.Start(b.cfg.processConfig(), c.client.HandleLine, onExit); err != nil {
		return nil, err
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()

	initRaw, err := c.client.Call(callCtx, MethodInitialize, map[string]any{})
	if err != nil {
		b.teardown(c)
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(initRaw, &init); err != nil {
		log.Warn().Err(err).Msg("unreadable initialize result")
	}
	c.capabilities = init.Capabilities

	subParams := map[string]any{}
	if b.cfg.NapcatURL != "" {
		subParams["napcat_url"] = b.cfg.NapcatURL
	}
	if len(b.cfg.IgnorePrefixes) > 0 {
		subParams["ignore_prefixes"] = b.cfg.IgnorePrefixes
	}
	subRaw, err := c.client.Call(callCtx, MethodWatchSubscribe, subParams)
	if err != nil {
		b.teardown(c)
		return nil, fmt.Errorf("watch.subscribe failed: %w", err)
	}
	var sub subscribeResult
	if err := json.Unmarshal(subRaw, &sub); err != nil {
		log.Warn().Err(err).Msg("unreadable watch.subscribe result")
	}
	c.subscription = sub.Subscription

	log.Info().Int64("subscription", c.subscription).
		Bool("streaming", c.capabilities.Streaming).
		Msg("connected to backend")
	return c, nil
}

// teardown releases a connection that never became, or no longer is, the
// bridge's live connection.
func (b *Bridge) teardown(c *conn) {
	c.client.Close()
	c.transport.Stop()
}

// handleExit is the single terminal-state transition for an exited backend.
// It rejects every in-flight call and, when the exited process backs the
// live connection, returns the bridge to idle so watchers can observe the
// loss and reconnect.
func (b *Bridge) handleExit(c *conn, exitErr error) {
	c.client.Close()

	b.mu.Lock()
	if b.conn != c {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.state = StateIdle
	b.mu.Unlock()

	b.log.Warn().Err(exitErr).Str("conn", c.id.String()).
		Msg("backend exited unexpectedly; bridge is idle")
}

// callContext applies the configured per-call timeout policy, when any.
func (b *Bridge) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := b.cfg.CallTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// Send forwards a call to the backend, connecting first if needed. Callers do
// not manage connection state themselves.
func (b *Bridge) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := b.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		// Connection lost between EnsureConnected and here.
		return nil, newTransportClosedError()
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()
	return c.client.Call(callCtx, method, params)
}

// Subscribe registers a handler for backend notifications. Valid whether or
// not a connection exists; handlers persist across reconnects. The returned
// function unsubscribes.
func (b *Bridge) Subscribe(fn NotificationHandler) func() {
	return b.router.Subscribe(fn)
}

// SubscribeMessages registers a handler for decoded inbound chat events,
// ignoring all other notification methods.
func (b *Bridge) SubscribeMessages(fn func(*IncomingMessage)) func() {
	return b.router.Subscribe(func(n Notification) {
		if n.Method != MethodMessage {
			return
		}
		msg, err := DecodeIncoming(n)
		if err != nil {
			b.log.Warn().Err(err).Msg("discarding undecodable message notification")
			return
		}
		fn(msg)
	})
}

// Disconnect stops the backend process, rejects all pending calls, and
// returns the bridge to idle. A connect attempt in flight is awaited first
// and its connection torn down, so when Disconnect returns the bridge is not
// connected. Safe to call when already idle, and concurrent Disconnects all
// wait for the process to be fully released.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	for b.attempt != nil {
		att := b.attempt
		b.mu.Unlock()
		<-att.done
		b.mu.Lock()
	}
	c := b.conn
	if c == nil {
		done := b.disconnecting
		b.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	b.conn = nil
	b.state = StateDisconnecting
	done := make(chan struct{})
	b.disconnecting = done
	b.mu.Unlock()

	// Let the backend stop its push feed before the process goes away.
	if c.subscription != 0 {
		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = c.client.Call(unsubCtx, MethodWatchUnsubscribe, map[string]any{
			"subscription": c.subscription,
		})
		cancel()
	}

	c.client.Close()
	c.transport.Stop()

	b.mu.Lock()
	b.state = StateIdle
	b.disconnecting = nil
	b.mu.Unlock()
	close(done)

	b.log.Info().Str("conn", c.id.String()).Msg("disconnected from backend")
	return nil
}

// SendText sends plain text to a raw target through message.send.
func (b *Bridge) SendText(ctx context.Context, target, text string) (json.RawMessage, error) {
	t, ok := ParseTarget(target)
	if !ok {
		return nil, fmt.Errorf("invalid target %q", target)
	}
	return b.Send(ctx, MethodMessageSend, map[string]any{
		"to":   t.Canonical(),
		"text": text,
	})
}

// SendSegments delivers a segment array to a raw target through the backend's
// low-level send method.
func (b *Bridge) SendSegments(ctx context.Context, target string, segments []Segment) (json.RawMessage, error) {
	t, ok := ParseTarget(target)
	if !ok {
		return nil, fmt.Errorf("invalid target %q", target)
	}
	params := map[string]any{"message": segments}
	if t.IsGroup() {
		params["channel"] = ChannelGroup
		params["group_id"] = t.ChatID
	} else {
		params["channel"] = ChannelPrivate
		params["user_id"] = t.ChatID
	}
	return b.Send(ctx, MethodSend, params)
}

// SendForward sends a bundle of forward nodes to a group target.
func (b *Bridge) SendForward(ctx context.Context, target string, nodes []Segment) (json.RawMessage, error) {
	t, ok := ParseTarget(target)
	if !ok || !t.IsGroup() {
		return nil, fmt.Errorf("group target required, got %q", target)
	}
	return b.Send(ctx, MethodSend, map[string]any{
		"channel":  ChannelGroupForward,
		"group_id": t.ChatID,
		"messages": nodes,
	})
}
