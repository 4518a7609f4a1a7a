package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/lockstep/internal/dispatcher"
	"github.com/OCAP2/lockstep/internal/transport"
	"github.com/OCAP2/lockstep/pkg/command"
	"github.com/OCAP2/lockstep/pkg/protocol"
)

func testRelay(t *testing.T, players int, key string) (*Relay, string) {
	t.Helper()
	relay := NewRelay(RelayConfig{Players: players, Key: key}, nil)
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testPeer struct {
	*Client
	backlog []dispatcher.Event
}

func dialTest(t *testing.T, url, key, name string) *testPeer {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{URL: url, Key: key, Name: name, ReconnectDelay: 10 * time.Millisecond, MaxAttempts: 3}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &testPeer{Client: c}
}

// waitFor returns the next event of type typ, skipping events of other types.
// Events after the match stay queued for the next call.
func (p *testPeer) waitFor(t *testing.T, typ string) dispatcher.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		p.backlog = append(p.backlog, p.Poll()...)
		for i, e := range p.backlog {
			if e.Type == typ {
				p.backlog = p.backlog[i+1:]
				return e
			}
		}
		p.backlog = p.backlog[:0]
		select {
		case <-p.Ready():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func packet(t *testing.T, sender int32, turn int64, cmds ...command.Command) []byte {
	t.Helper()
	data, err := protocol.TurnPacket{Sender: sender, Turn: turn, Commands: cmds}.MarshalBinary()
	require.NoError(t, err)
	return data
}

func TestRelay_AssignsSlotsAndStarts(t *testing.T) {
	relay, url := testRelay(t, 2, "")

	a := dialTest(t, url, "", "alpha")
	welcome := a.waitFor(t, protocol.TypeWelcome)
	var w protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(welcome.Payload, &w))
	assert.Equal(t, protocol.WelcomePayload{Slot: 1, Players: 2}, w)
	assert.False(t, relay.Started())

	b := dialTest(t, url, "", "bravo")
	welcome = b.waitFor(t, protocol.TypeWelcome)
	assert.Equal(t, int32(2), welcome.Slot)

	enter := a.waitFor(t, protocol.TypePlayerEnter)
	var pe protocol.PlayerEnterPayload
	require.NoError(t, json.Unmarshal(enter.Payload, &pe))
	assert.Equal(t, protocol.PlayerEnterPayload{Slot: 2, Name: "bravo"}, pe)

	startA := a.waitFor(t, protocol.TypeStart)
	startB := b.waitFor(t, protocol.TypeStart)
	var sa, sb protocol.StartPayload
	require.NoError(t, json.Unmarshal(startA.Payload, &sa))
	require.NoError(t, json.Unmarshal(startB.Payload, &sb))
	assert.Equal(t, sa, sb)
	assert.Equal(t, int32(2), sa.Players)
	assert.NotEmpty(t, sa.Session)
	assert.True(t, relay.Started())
	assert.Equal(t, sa.Session, relay.Session())
}

func TestRelay_ForwardsToOthersOnly(t *testing.T) {
	_, url := testRelay(t, 3, "")
	a := dialTest(t, url, "", "")
	a.waitFor(t, protocol.TypeWelcome)
	b := dialTest(t, url, "", "")
	b.waitFor(t, protocol.TypeWelcome)
	c := dialTest(t, url, "", "")
	c.waitFor(t, protocol.TypeStart)
	a.waitFor(t, protocol.TypeStart)
	b.waitFor(t, protocol.TypeStart)

	forged := packet(t, 2, 0)
	genuine := packet(t, 1, 0, command.Say{Text: "hello"})
	require.NoError(t, a.Broadcast(forged))
	require.NoError(t, a.Broadcast(genuine))

	for _, peer := range []*testPeer{b, c} {
		turn := peer.waitFor(t, transport.TypeTurn)
		assert.Equal(t, int32(1), turn.Slot)
		assert.Equal(t, genuine, turn.Payload)
	}

	// The sender does not receive its own packet back.
	time.Sleep(50 * time.Millisecond)
	for _, e := range a.Poll() {
		assert.NotEqual(t, transport.TypeTurn, e.Type)
	}
}

func TestRelay_PlayerLeave(t *testing.T) {
	relay, url := testRelay(t, 2, "")
	a := dialTest(t, url, "", "")
	a.waitFor(t, protocol.TypeWelcome)
	b := dialTest(t, url, "", "")
	a.waitFor(t, protocol.TypeStart)
	b.waitFor(t, protocol.TypeStart)

	require.NoError(t, b.Close())

	leave := a.waitFor(t, protocol.TypePlayerLeave)
	assert.Equal(t, int32(2), leave.Slot)
	assert.Eventually(t, func() bool { return relay.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_DropsSilentPeer(t *testing.T) {
	relay := NewRelay(RelayConfig{Players: 2, PingInterval: 20 * time.Millisecond, DisconnectTimeout: 100 * time.Millisecond}, nil)
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	a := dialTest(t, url, "", "")
	a.waitFor(t, protocol.TypeWelcome)

	// Never reads, so pings go unanswered while the TCP link stays open.
	silent, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = silent.Close() })

	a.waitFor(t, protocol.TypeStart)
	leave := a.waitFor(t, protocol.TypePlayerLeave)
	assert.Equal(t, int32(2), leave.Slot)
	assert.Eventually(t, func() bool { return relay.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_DetectsSilentRelay(t *testing.T) {
	upgrader := ws.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		// Hold the connection without reading, pongs are never sent.
		<-release
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c, err := Dial(context.Background(), ClientConfig{URL: url, PingInterval: 20 * time.Millisecond, DisconnectTimeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	p := &testPeer{Client: c}
	p.waitFor(t, transport.TypeDisconnected)
	assert.ErrorIs(t, c.Broadcast([]byte{1}), ErrClosed)
}

func TestLiveness_Defaults(t *testing.T) {
	ping, timeout := liveness(0, 0)
	assert.Equal(t, defaultPingInterval, ping)
	assert.Equal(t, defaultDisconnectTimeout, timeout)

	ping, timeout = liveness(2*time.Second, time.Second)
	assert.Equal(t, 2*time.Second, ping)
	assert.Equal(t, 4*time.Second, timeout)
}

func TestRelay_RefusesJoinAfterStart(t *testing.T) {
	_, url := testRelay(t, 1, "")
	a := dialTest(t, url, "", "")
	a.waitFor(t, protocol.TypeStart)

	late := dialTest(t, url, "", "")
	disc := late.waitFor(t, transport.TypeDisconnected)
	assert.Equal(t, "session in progress", string(disc.Payload))
}

func TestRelay_ConnectionKey(t *testing.T) {
	_, url := testRelay(t, 2, "s3cret")

	_, err := Dial(context.Background(), ClientConfig{URL: url, Key: "wrong", ReconnectDelay: time.Millisecond, MaxAttempts: 2}, nil)
	assert.Error(t, err)

	c := dialTest(t, url, "s3cret", "")
	c.waitFor(t, protocol.TypeWelcome)
}

func TestClient_BroadcastAfterClose(t *testing.T) {
	_, url := testRelay(t, 2, "")
	c := dialTest(t, url, "", "")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Broadcast([]byte{1}), ErrClosed)
}

func TestDial_InvalidURL(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{URL: "ws://127.0.0.1:1/", MaxAttempts: 2, ReconnectDelay: time.Millisecond}, nil)
	assert.Error(t, err)
}
