package napcat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/RicterZ/moltbot-QQ/jsonrpc"
)

// lineSink is the write half of the transport the correlator needs.
type lineSink interface {
	WriteLine(payload []byte) error
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client correlates outbound requests with inbound responses for one
// connection. Request ids start at 1 and are never reused within the
// connection's lifetime. Inbound lines that carry no matching pending id are
// routed to the notification router.
type Client struct {
	log    zerolog.Logger
	sink   lineSink
	router *Router

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult
	closed  bool
}

// NewClient creates a correlator writing requests to sink and routing
// notifications to router.
func NewClient(sink lineSink, router *Router, log zerolog.Logger) *Client {
	return &Client{
		log:     log.With().Str("component", "rpc").Logger(),
		sink:    sink,
		router:  router,
		pending: make(map[uint64]chan callResult),
	}
}

// Call invokes method on the backend and waits for the matching response.
// It fails with a BridgeErrorTypeRpc error when the backend's response
// carries an error object, and with BridgeErrorTypeTransportClosed when the
// connection is torn down while the call is outstanding. Cancelling ctx
// abandons the call and removes its pending entry; a response arriving later
// for that id is dropped, never misdelivered.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newTransportClosedError()
	}
	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := jsonrpc.EncodeRequest(id, method, params)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if err := c.sink.WriteLine(line); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		// The response may have been delivered concurrently with the
		// cancellation; whichever happened first for this id wins.
		select {
		case res := <-ch:
			return res.result, res.err
		default:
		}
		return nil, ctx.Err()
	}
}

// forget removes a pending entry without resolving it.
func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleLine processes one complete line from the backend's stdout. Malformed
// lines and responses with unknown ids are logged and discarded without
// touching any pending call.
func (c *Client) HandleLine(line []byte) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		c.log.Warn().Err(newMalformedLineError(err)).Msg("discarding malformed line from backend")
		return
	}

	switch msg.Kind {
	case jsonrpc.KindResult, jsonrpc.KindError:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Warn().Err(newUnknownResponseIDError(msg.ID)).Msg("dropping response with no pending call")
			return
		}
		if msg.Kind == jsonrpc.KindError {
			ch <- callResult{err: newRpcError(msg.Err.Code, msg.Err.Message)}
		} else {
			ch <- callResult{result: msg.Result}
		}

	case jsonrpc.KindNotification:
		c.router.Dispatch(Notification{Method: msg.Method, Params: msg.Params})
	}
}

// Close resolves every still-pending call with a transport-closed error. It
// is called on explicit disconnect and on the transport's exit signal, and is
// safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	orphaned := c.pending
	c.pending = make(map[uint64]chan callResult)
	c.mu.Unlock()

	for _, ch := range orphaned {
		ch <- callResult{err: newTransportClosedError()}
	}
}

// PendingCount reports the number of in-flight calls. Diagnostic only.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
