package world

import (
	"fmt"
	"testing"

	"github.com/OCAP2/lockstep/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hdr(src int32) command.Header { return command.Header{Src: src} }

func script() [][]command.Command {
	return [][]command.Command{
		{command.Spawn{Header: hdr(1), Unit: 1, X: 0, Y: 0}, command.Spawn{Header: hdr(2), Unit: 2, X: 5, Y: 5}},
		{command.Move{Header: hdr(1), Unit: 1, X: 1, Y: 2}, command.Say{Header: hdr(2), Text: "hi"}},
		{command.Move{Header: hdr(2), Unit: 1, X: 9, Y: 9}, command.Test{Header: hdr(2)}},
	}
}

func run(w *World, turns [][]command.Command) {
	for i, cmds := range turns {
		w.ExecuteTurn(int64(i), cmds)
	}
}

func TestWorld_ExecuteTurn(t *testing.T) {
	w := New(nil)
	run(w, script())

	assert.Equal(t, int64(2), w.Turn())
	assert.Equal(t, []Unit{
		{ID: 1, Owner: 1, X: 1, Y: 2},
		{ID: 2, Owner: 2, X: 5, Y: 5},
	}, w.Units(), "foreign move is ignored")
	assert.Equal(t, []ChatLine{{Turn: 1, Owner: 2, Text: "hi"}}, w.Chat())

	seen, ok := w.LastSeen(2)
	require.True(t, ok)
	assert.Equal(t, int64(2), seen)
	_, ok = w.LastSeen(1)
	assert.False(t, ok)
}

func TestWorld_SpawnExistingIgnored(t *testing.T) {
	w := New(nil)
	w.ExecuteTurn(0, []command.Command{
		command.Spawn{Header: hdr(1), Unit: 7, X: 1, Y: 1},
		command.Spawn{Header: hdr(2), Unit: 7, X: 2, Y: 2},
	})

	assert.Equal(t, []Unit{{ID: 7, Owner: 1, X: 1, Y: 1}}, w.Units())
}

func TestWorld_ChecksumDeterministic(t *testing.T) {
	a, b := New(nil), New(nil)
	run(a, script())
	run(b, script())

	assert.Equal(t, a.Checksum(), b.Checksum())
}

func TestWorld_ChecksumDetectsDivergence(t *testing.T) {
	a, b := New(nil), New(nil)
	run(a, script())

	diverged := script()
	diverged[1][0] = command.Move{Header: hdr(1), Unit: 1, X: 1, Y: 3}
	run(b, diverged)

	assert.NotEqual(t, a.Checksum(), b.Checksum())
}

func TestWorld_ChecksumDependsOnOrder(t *testing.T) {
	a, b := New(nil), New(nil)
	a.ExecuteTurn(0, []command.Command{command.Say{Header: hdr(1), Text: "a"}, command.Say{Header: hdr(2), Text: "b"}})
	b.ExecuteTurn(0, []command.Command{command.Say{Header: hdr(2), Text: "b"}, command.Say{Header: hdr(1), Text: "a"}})

	assert.NotEqual(t, a.Checksum(), b.Checksum())
}

func TestWorld_ChatBounded(t *testing.T) {
	w := New(nil)
	for i := 0; i < maxChatLines+10; i++ {
		w.ExecuteTurn(int64(i), []command.Command{command.Say{Header: hdr(1), Text: fmt.Sprint(i)}})
	}

	chat := w.Chat()
	require.Len(t, chat, maxChatLines)
	assert.Equal(t, "10", chat[0].Text)
	assert.Equal(t, fmt.Sprint(maxChatLines+9), chat[len(chat)-1].Text)
}
