package napcat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RicterZ/moltbot-QQ/jsonrpc"
)

// backendScript is a minimal shell rendition of the napcat backend: it reads
// one request per line and answers the handshake plus a few methods. It
// appends a line to $SPAWN_LOG on startup so tests can count spawns.
const backendScript = `#!/bin/sh
if [ -n "$SPAWN_LOG" ]; then
  echo spawned >> "$SPAWN_LOG"
fi
reply() {
  echo "{\"jsonrpc\":\"2.0\",\"id\":$1,\"result\":$2}"
}
while read -r line; do
  id=${line#*\"id\":}
  id=${id%%,*}
  case "$line" in
    *'"method":"initialize"'*)
      if [ -n "$INIT_DELAY" ]; then sleep "$INIT_DELAY"; fi
      reply "$id" '{"capabilities":{"streaming":true,"attachments":true}}' ;;
    *'"method":"watch.subscribe"'*)
      reply "$id" '{"subscription":7}' ;;
    *'"method":"watch.unsubscribe"'*)
      if [ -z "$HOLD_UNSUB" ]; then reply "$id" '{}'; fi ;;
    *'"method":"message.send"'*)
      reply "$id" '{"ok":true}'
      echo '{"jsonrpc":"2.0","method":"message","params":{"subscription":7,"message":{"sender":10001,"chatId":"42","isGroup":true,"text":"pong","messageId":"m1"}}}' ;;
    *'"method":"send"'*)
      reply "$id" '{"ok":true}' ;;
    *'"method":"quit"'*)
      exit 7 ;;
    *)
      echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"error\":{\"code\":-32601,\"message\":\"method not found\"}}" ;;
  esac
done
`

func writeBackendScript(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(script, []byte(backendScript), 0o755))
	return script
}

func testBridge(t *testing.T, env map[string]string) *Bridge {
	t.Helper()
	script := writeBackendScript(t)

	cfg := Config{
		Command:   "/bin/sh",
		Args:      []string{script},
		Env:       env,
		NapcatURL: "ws://127.0.0.1:3001",
	}
	b := NewBridge(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = b.Disconnect() })
	return b
}

func TestBridgeConnectHandshake(t *testing.T) {
	b := testBridge(t, nil)
	require.Equal(t, StateIdle, b.State())

	require.NoError(t, b.EnsureConnected(context.Background()))
	assert.Equal(t, StateConnected, b.State())

	caps, ok := b.Capabilities()
	require.True(t, ok)
	assert.True(t, caps.Streaming)
	assert.True(t, caps.Attachments)

	// Reconnecting while connected is a no-op.
	require.NoError(t, b.EnsureConnected(context.Background()))
	assert.Equal(t, StateConnected, b.State())
}

func TestBridgeSendAutoConnects(t *testing.T) {
	b := testBridge(t, nil)

	res, err := b.SendText(context.Background(), "user:42", "hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
	assert.Equal(t, StateConnected, b.State())
}

func TestBridgeConcurrentConnectSpawnsOnce(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	b := testBridge(t, map[string]string{"SPAWN_LOG": spawnLog})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.EnsureConnected(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	data, err := os.ReadFile(spawnLog)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "spawned"))
}

func TestBridgeRpcErrorSurfaced(t *testing.T) {
	b := testBridge(t, nil)

	_, err := b.Send(context.Background(), "bogus.method", map[string]any{})
	be, ok := IsRpcError(err)
	require.True(t, ok)
	assert.Equal(t, -32601, be.Code)

	// The connection survives a backend-level error.
	assert.Equal(t, StateConnected, b.State())
}

func TestBridgeNotificationsReachSubscribers(t *testing.T) {
	b := testBridge(t, nil)

	// Subscribing works before any connection exists.
	incoming := make(chan *IncomingMessage, 1)
	unsubscribe := b.SubscribeMessages(func(m *IncomingMessage) {
		select {
		case incoming <- m:
		default:
		}
	})
	defer unsubscribe()

	_, err := b.SendText(context.Background(), "group:42", "ping")
	require.NoError(t, err)

	select {
	case msg := <-incoming:
		assert.Equal(t, "10001", msg.Sender)
		assert.Equal(t, "pong", msg.Text)
		assert.Equal(t, "group-42", msg.Target().Canonical())
		assert.Equal(t, int64(7), msg.Subscription)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestBridgeSendSegmentsAndForward(t *testing.T) {
	b := testBridge(t, nil)

	res, err := b.SendSegments(context.Background(), "group:42", []Segment{TextSegment("hi")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	res, err = b.SendForward(context.Background(), "group:42", []Segment{
		ForwardNode("10001", "bot", []Segment{TextSegment("a")}),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	// Forward bundles are group-only.
	_, err = b.SendForward(context.Background(), "user:42", nil)
	assert.Error(t, err)

	// Malformed targets never reach the wire.
	_, err = b.SendText(context.Background(), "   ", "hi")
	assert.Error(t, err)
}

func TestBridgeBackendExitRejectsPendingAndGoesIdle(t *testing.T) {
	b := testBridge(t, nil)
	require.NoError(t, b.EnsureConnected(context.Background()))

	// The script exits on "quit" without replying, so the pending call must
	// be resolved by the teardown path instead of a response.
	_, err := b.Send(context.Background(), "quit", nil)
	assert.True(t, IsTransportClosed(err))

	require.Eventually(t, func() bool {
		return b.State() == StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := b.Capabilities()
	assert.False(t, ok)

	// The bridge reconnects on the next use.
	res, err := b.SendText(context.Background(), "42", "back again")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestBridgeDisconnectIdempotent(t *testing.T) {
	b := testBridge(t, nil)
	require.NoError(t, b.EnsureConnected(context.Background()))

	require.NoError(t, b.Disconnect())
	assert.Equal(t, StateIdle, b.State())
	require.NoError(t, b.Disconnect())

	// Disconnected bridges fail calls only until the next connect.
	res, err := b.SendText(context.Background(), "user:42", "again")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestBridgeSpawnFailure(t *testing.T) {
	b := NewBridge(Config{Command: "/nonexistent/backend"}, zerolog.Nop())

	err := b.EnsureConnected(context.Background())
	assert.True(t, IsBridgeError(err, BridgeErrorTypeSpawn))
	assert.Equal(t, StateIdle, b.State())

	_, err = b.Send(context.Background(), "send", nil)
	assert.Error(t, err)
}

func TestBridgeSubscribersSurviveReconnect(t *testing.T) {
	b := testBridge(t, nil)

	var mu sync.Mutex
	var texts []string
	b.SubscribeMessages(func(m *IncomingMessage) {
		mu.Lock()
		texts = append(texts, m.Text)
		mu.Unlock()
	})

	_, err := b.SendText(context.Background(), "42", "one")
	require.NoError(t, err)
	require.NoError(t, b.Disconnect())

	_, err = b.SendText(context.Background(), "42", "two")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeCallTimeout(t *testing.T) {
	script := filepath.Join(t.TempDir(), "silent.sh")
	// Handshake succeeds, then every later call is swallowed.
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
n=0
while read -r line; do
  id=${line#*\"id\":}
  id=${id%%,*}
  n=$((n+1))
  if [ "$n" -eq 1 ]; then
    echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"capabilities\":{}}}"
  elif [ "$n" -eq 2 ]; then
    echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"subscription\":1}}"
  fi
done
`), 0o755))

	b := NewBridge(Config{
		Command:            "/bin/sh",
		Args:               []string{script},
		CallTimeoutSeconds: 0.2,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = b.Disconnect() })

	start := time.Now()
	_, err := b.Send(context.Background(), "message.send", map[string]any{"to": "user-1", "text": "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)

	// The timed-out call left nothing pending behind.
	assert.Equal(t, StateConnected, b.State())
}

// Base64 media easily exceeds the default wire line limit; the configured
// limit must reach the transport so such sends can go through.
func TestBridgeConfiguredLineLimitAllowsLargeMedia(t *testing.T) {
	media := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(media, make([]byte, 900*1024), 0o644))
	seg, err := ImageSegment(media)
	require.NoError(t, err)

	// With the default limit the encoded line cannot be written at all.
	b := testBridge(t, nil)
	_, err = b.SendSegments(context.Background(), "group:1", []Segment{seg})
	assert.ErrorIs(t, err, jsonrpc.ErrLineTooLong)
	require.NoError(t, b.Disconnect())

	cfg := Config{
		Command:      "/bin/sh",
		Args:         []string{writeBackendScript(t)},
		NapcatURL:    "ws://127.0.0.1:3001",
		MaxLineBytes: 4 << 20,
	}
	wide := NewBridge(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = wide.Disconnect() })

	res, err := wide.SendSegments(context.Background(), "group:1", []Segment{seg})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

// A caller racing an in-progress Disconnect waits it out and then starts a
// fresh connection instead of failing spuriously.
func TestBridgeEnsureConnectedAwaitsDisconnect(t *testing.T) {
	// The script swallows watch.unsubscribe, so Disconnect lingers in
	// Disconnecting until its courtesy call times out.
	b := testBridge(t, map[string]string{"HOLD_UNSUB": "1"})
	require.NoError(t, b.EnsureConnected(context.Background()))

	disconnected := make(chan error, 1)
	go func() { disconnected <- b.Disconnect() }()

	require.Eventually(t, func() bool {
		return b.State() == StateDisconnecting
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.EnsureConnected(context.Background()))
	assert.Equal(t, StateConnected, b.State())
	require.NoError(t, <-disconnected)
}

// Disconnect during a connect attempt waits for the attempt and tears down
// its connection; the bridge never lands Connected after a disconnect.
func TestBridgeDisconnectAwaitsConnectAttempt(t *testing.T) {
	b := testBridge(t, map[string]string{"INIT_DELAY": "1"})

	attempt := make(chan error, 1)
	go func() { attempt <- b.EnsureConnected(context.Background()) }()

	require.Eventually(t, func() bool {
		return b.State() == StateConnecting
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Disconnect())
	assert.Equal(t, StateIdle, b.State())
	require.NoError(t, <-attempt)
}
