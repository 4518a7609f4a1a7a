package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/lockstep/internal/storage/memory"
	"github.com/OCAP2/lockstep/internal/transport/websocket"
)

func TestPeerCommand_ThroughRelay(t *testing.T) {
	configDir, _ := demoConfig(t)
	t.Cleanup(viper.Reset)

	root := &RootOptions{ConfigDir: configDir, Format: "json"}
	require.NoError(t, root.load())

	relay := websocket.NewRelay(websocket.RelayConfig{Players: 2, Key: root.cfg.Net.ConnectionKey}, quietLogger())
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg      sync.WaitGroup
		outs    [2]bytes.Buffer
		results [2]error
	)
	for i, name := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := &cobra.Command{}
			cmd.SetContext(ctx)
			cmd.SetOut(&outs[i])
			results[i] = runPeer(&PeerOptions{
				RootOptions: root,
				Relay:       url,
				Name:        name,
				Bot:         true,
				BotEvery:    1,
				Duration:    400 * time.Millisecond,
			}, cmd)
		}()
	}
	wg.Wait()

	var peers [2]PeerResult
	for i := range peers {
		require.NoError(t, results[i], outs[i].String())
		require.NoError(t, json.Unmarshal(outs[i].Bytes(), &peers[i]))
		assert.Empty(t, peers[i].Error)
		assert.Positive(t, peers[i].TurnsExecuted)
		require.NotEmpty(t, peers[i].Journal)
	}
	assert.NotEmpty(t, peers[0].Session)
	assert.Equal(t, peers[0].Session, peers[1].Session)
	assert.ElementsMatch(t, []int32{1, 2}, []int32{peers[0].Slot, peers[1].Slot})
	assert.NotEqual(t, peers[0].Journal, peers[1].Journal)

	_, first, err := memory.ReadFile(peers[0].Journal)
	require.NoError(t, err)
	_, second, err := memory.ReadFile(peers[1].Journal)
	require.NoError(t, err)

	common := min(len(first), len(second))
	require.Positive(t, common)
	for i := 0; i < common; i++ {
		require.Equal(t, first[i].Turn, second[i].Turn)
		assert.Equal(t, first[i].Checksum, second[i].Checksum, "turn %d", first[i].Turn)
		assert.Equal(t, first[i].Commands, second[i].Commands, "turn %d", first[i].Turn)
	}
}

func TestPeerCommand_RelayUnreachable(t *testing.T) {
	configDir := writeConfig(t, `{
		"logLevel": "error",
		"net": { "reconnectDelayMillis": 5, "maxConnectAttempts": 2 },
		"monitor": { "enabled": false }
	}`)

	_, err := execute(t, "peer", "--config", configDir, "--relay", "ws://127.0.0.1:1/")
	require.Error(t, err)
}
