package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/parakit/para-sync/internal/errors"
)

func testConnConfig() ConnManagerConfig {
	return ConnManagerConfig{
		Host:   "sync.example.com",
		Token:  "secret-token",
		Device: "laptop",
	}
}

// expectHandshake scripts a successful init exchange on the mock, with
// the reader goroutine's subsequent reads blocking until ctx cancel.
func expectHandshake(conn *MockwsConn) {
	conn.EXPECT().SetReadLimit(int64(wsReadLimit))
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)

	auth := conn.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, []byte(`{"res":"ok"}`), nil)

	conn.EXPECT().Read(gomock.Any()).After(auth).
		DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		}).
		AnyTimes()
}

func TestConnectHandshake(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)

	var sentInit initMessage

	conn.EXPECT().SetReadLimit(int64(wsReadLimit))
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
			return json.Unmarshal(p, &sentInit)
		})

	auth := conn.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, []byte(`{"res":"ok"}`), nil)

	conn.EXPECT().Read(gomock.Any()).After(auth).
		DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		}).
		AnyTimes()

	bus := NewBus(slog.Default())
	connectedEvents := &recorder{}
	bus.Subscribe(TopicConnected, connectedEvents.handler())

	m := NewConnManager(testConnConfig(), bus, slog.Default())
	m.dial = func(context.Context) (wsConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Connect(ctx, "principal-1"))

	assert.Equal(t, "init", sentInit.Op)
	assert.Equal(t, "secret-token", sentInit.Token)
	assert.Equal(t, "principal-1", sentInit.Principal)
	assert.Equal(t, "laptop", sentInit.Device)

	assert.True(t, m.Status().Connected)
	assert.Equal(t, 1, connectedEvents.count())
	assert.Equal(t, EventConnected, connectedEvents.last().Type)
}

func TestConnectAuthRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)

	conn.EXPECT().SetReadLimit(int64(wsReadLimit))
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	conn.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, []byte(`{"res":"denied","msg":"bad token"}`), nil)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
	m.dial = func(context.Context) (wsConn, error) { return conn, nil }

	err := m.Connect(context.Background(), "principal-1")
	require.ErrorIs(t, err, errors.ErrAuthRejected)
	assert.ErrorContains(t, err, "bad token")
	assert.False(t, m.Status().Connected)
}

func TestConnectDialFailure(t *testing.T) {
	m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
	m.dial = func(context.Context) (wsConn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	err := m.Connect(context.Background(), "principal-1")
	assert.ErrorContains(t, err, "dialing sync server")
	assert.False(t, m.Status().Connected)
}

func TestConnectIdempotentForSamePrincipal(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	expectHandshake(conn)

	dials := 0

	m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
	m.dial = func(context.Context) (wsConn, error) {
		dials++
		return conn, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Connect(ctx, "principal-1"))
	require.NoError(t, m.Connect(ctx, "principal-1"))
	assert.Equal(t, 1, dials)

	err := m.Connect(ctx, "principal-2")
	assert.ErrorIs(t, err, errors.ErrPrincipalBound)
}

func TestDisconnectIsVoluntary(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	expectHandshake(conn)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "client disconnect").Return(nil)

	bus := NewBus(slog.Default())
	disconnectedEvents := &recorder{}
	bus.Subscribe(TopicDisconnected, disconnectedEvents.handler())

	m := NewConnManager(testConnConfig(), bus, slog.Default())
	m.dial = func(context.Context) (wsConn, error) { return conn, nil }

	require.NoError(t, m.Connect(context.Background(), "principal-1"))

	m.Disconnect()

	assert.False(t, m.Status().Connected)
	assert.True(t, m.isVoluntary())
	assert.Equal(t, 1, disconnectedEvents.count())
	assert.Equal(t, EventDisconnected, disconnectedEvents.last().Type)
}

func TestHandleFrameRoutesEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)

	m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
	m.conn = conn

	ctx := context.Background()

	m.handleFrame(ctx, inboundMsg{
		typ:  websocket.MessageText,
		data: []byte(`{"op":"event","event":{"type":"item_updated","data":{"itemType":"note","itemId":"n1","payload":{"title":"A"}}}}`),
	})

	select {
	case ev := <-m.Events():
		assert.Equal(t, EventItemUpdated, ev.Type)
		assert.Equal(t, "note", ev.Data.ItemType)
		assert.Equal(t, "n1", ev.Data.ItemID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	default:
		t.Fatal("event frame was not routed")
	}

	// Pings are answered in place.
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"pong"}`)).Return(nil)
	m.handleFrame(ctx, inboundMsg{typ: websocket.MessageText, data: []byte(`{"op":"ping"}`)})

	// Noise never produces events and never panics.
	m.handleFrame(ctx, inboundMsg{typ: websocket.MessageBinary, data: []byte{0x1}})
	m.handleFrame(ctx, inboundMsg{typ: websocket.MessageText, data: []byte(`{"op":"event","event":`)})
	m.handleFrame(ctx, inboundMsg{typ: websocket.MessageText, data: []byte(`{"op":"compact"}`)})
	m.handleFrame(ctx, inboundMsg{typ: websocket.MessageText, data: []byte(`{"op":"pong"}`)})
	m.handleFrame(ctx, inboundMsg{typ: websocket.MessageText, data: []byte(`{"op":"ready"}`)})

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event routed: %+v", ev)
	default:
	}
}

func TestReadLoopEndsOnReadError(t *testing.T) {
	m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
	m.inboundCh = make(chan inboundMsg, 1)
	m.inboundCh <- inboundMsg{err: io.EOF}

	err := m.readLoop(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestRunResumesAfterVoluntaryDisconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)

		conn1 := NewMockwsConn(ctrl)
		expectHandshake(conn1)
		conn1.EXPECT().Close(websocket.StatusNormalClosure, "client disconnect").Return(nil)

		// The second connection serves one event frame, then blocks.
		eventFrame := []byte(`{"op":"event","event":{"id":"ev1","type":"item_updated","data":{"itemType":"note","itemId":"n1","payload":{"title":"A"}}}}`)

		conn2 := NewMockwsConn(ctrl)
		conn2.EXPECT().SetReadLimit(int64(wsReadLimit))
		conn2.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
		auth := conn2.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, []byte(`{"res":"ok"}`), nil)
		frame := conn2.EXPECT().Read(gomock.Any()).After(auth).
			Return(websocket.MessageText, eventFrame, nil)
		conn2.EXPECT().Read(gomock.Any()).After(frame).
			DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
				<-ctx.Done()
				return 0, nil, ctx.Err()
			}).
			AnyTimes()

		conns := []wsConn{conn1, conn2}

		m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
		m.dial = func(context.Context) (wsConn, error) {
			c := conns[0]
			conns = conns[1:]

			return c, nil
		}

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		require.NoError(t, m.Connect(ctx, "principal-1"))

		done := make(chan error, 1)
		go func() { done <- m.Run(ctx) }()

		synctest.Wait()
		m.Disconnect()
		synctest.Wait()

		// The loop is parked, not gone: reconnecting as the same
		// principal resumes frame delivery.
		require.NoError(t, m.Connect(ctx, "principal-1"))
		synctest.Wait()

		select {
		case ev := <-m.Events():
			assert.Equal(t, "ev1", ev.ID)
			assert.Equal(t, EventItemUpdated, ev.Type)
		default:
			t.Fatal("no event delivered after reconnect")
		}

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestRunWithoutConnectionWaits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())

		ctx, cancel := context.WithCancel(t.Context())

		go func() {
			time.Sleep(10 * time.Minute)
			cancel()
		}()

		require.ErrorIs(t, m.Run(ctx), context.Canceled)
	})
}

func TestReadLoopSkipsHeartbeatWithoutConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
		m.inboundCh = make(chan inboundMsg)

		ctx, cancel := context.WithCancel(t.Context())

		go func() {
			time.Sleep(5 * time.Minute)
			cancel()
		}()

		// Ticks with a zero lastMessage and no conn must be a no-op.
		require.ErrorIs(t, m.readLoop(ctx), context.Canceled)
	})
}

func TestReadLoopHeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockwsConn(ctrl)

		// Idle ticks send pings until the silence threshold closes the
		// connection.
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"ping"}`)).
			Return(nil).
			AnyTimes()
		conn.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
		m.conn = conn
		m.inboundCh = make(chan inboundMsg)
		m.touchLastMessage()

		err := m.readLoop(t.Context())
		require.ErrorContains(t, err, "heartbeat timeout")
	})
}

func TestReconnectBacksOffUntilSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)

		dials := 0
		start := time.Now()

		m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
		m.dial = func(context.Context) (wsConn, error) {
			dials++
			if dials < 3 {
				return nil, fmt.Errorf("connection refused")
			}

			conn := NewMockwsConn(ctrl)
			expectHandshake(conn)

			return conn, nil
		}

		m.mu.Lock()
		m.principal = "principal-1"
		m.mu.Unlock()

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		require.NoError(t, m.reconnect(ctx))

		assert.Equal(t, 3, dials)
		assert.True(t, m.Status().Connected)
		// A successful connect resets the attempt counter.
		assert.Equal(t, 0, m.Status().ReconnectAttempts)
		// Three waits at 5s, 10s, 20s minimum.
		assert.GreaterOrEqual(t, time.Since(start), 35*time.Second)
	})
}

func TestReconnectStopsOnCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewConnManager(testConnConfig(), NewBus(slog.Default()), slog.Default())
		m.dial = func(context.Context) (wsConn, error) {
			return nil, fmt.Errorf("connection refused")
		}

		m.mu.Lock()
		m.principal = "principal-1"
		m.mu.Unlock()

		ctx, cancel := context.WithCancel(t.Context())

		go func() {
			time.Sleep(time.Minute)
			cancel()
		}()

		err := m.reconnect(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, m.Status().Connected)
	})
}
