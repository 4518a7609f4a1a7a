package lockstep

import (
	"errors"
	"testing"

	"github.com/OCAP2/lockstep/pkg/command"
	"github.com/OCAP2/lockstep/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(players int) (*Scheduler, *CommandBuffer, *captureBroadcaster) {
	buf := NewCommandBuffer(8, players)
	out := &captureBroadcaster{}
	return NewScheduler(1, 2, buf, command.NewRegistry(), out, nil), buf, out
}

func TestScheduler_FlushOncePerTurn(t *testing.T) {
	s, buf, out := newTestScheduler(2)
	s.IssueLocal(command.Say{Header: command.Header{Src: 9}, Text: "hi"})

	require.NoError(t, s.Flush(0))
	s.IssueLocal(command.Test{})
	require.NoError(t, s.Flush(0))

	pkts := out.decoded(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, int32(1), pkts[0].Sender)
	assert.Equal(t, int64(2), pkts[0].Turn)
	assert.Equal(t, []command.Command{say(1, "hi")}, pkts[0].Commands)

	assert.True(t, buf.turnData(2).Filled(1))
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Flush(1))
	assert.Len(t, out.decoded(t), 2)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_FlushCapsBatch(t *testing.T) {
	s, _, out := newTestScheduler(1)
	for i := 0; i < protocol.MaxCommandsPerBatch+5; i++ {
		s.IssueLocal(command.Test{})
	}

	require.NoError(t, s.Flush(0))

	pkts := out.decoded(t)
	require.Len(t, pkts, 1)
	assert.Len(t, pkts[0].Commands, protocol.MaxCommandsPerBatch)
	assert.Equal(t, 5, s.Pending())
}

func TestScheduler_BroadcastFailureIsReturned(t *testing.T) {
	s, buf, out := newTestScheduler(2)
	out.err = errors.New("link down")

	err := s.Flush(0)

	assert.Error(t, err)
	assert.True(t, buf.turnData(2).Filled(1), "local batch is still scheduled")
}

// An unregistered tag drops the whole batch and leaves other turns untouched.
func TestScheduler_UndecodableBatchDropped(t *testing.T) {
	s, buf, _ := newTestScheduler(2)
	require.NoError(t, s.OnReceive(remotePacket(t, 2, 0, say(2, "before"))))

	var bad []byte
	bad = command.AppendInt32(bad, 2)
	bad = command.AppendInt64(bad, 1)
	bad = command.AppendInt32(bad, 1)
	bad = append(bad, 0x27, 0x0f)

	err := s.OnReceive(bad)

	var de *command.DecodeError
	require.True(t, errors.As(err, &de))
	assert.False(t, buf.turnData(1).Filled(2))
	assert.True(t, buf.turnData(0).Filled(2))

	require.NoError(t, s.OnReceive(remotePacket(t, 2, 2, say(2, "after"))))
	assert.Equal(t, []command.Command{say(2, "after")}, buf.turnData(2).Commands())
}

func TestScheduler_RejectsOutOfRange(t *testing.T) {
	s, _, _ := newTestScheduler(2)

	assert.True(t, errors.Is(s.OnReceive(remotePacket(t, 2, 8)), ErrOutOfWindow))
	assert.True(t, errors.Is(s.OnReceive(remotePacket(t, 5, 0)), ErrUnknownSlot))
	require.NoError(t, s.OnReceive(remotePacket(t, 2, 3)))
	assert.True(t, errors.Is(s.OnReceive(remotePacket(t, 2, 3)), ErrDuplicateInsert))
}

func TestScheduler_ClearPending(t *testing.T) {
	s, _, _ := newTestScheduler(1)
	s.IssueLocal(command.Test{})
	s.IssueLocal(command.Test{})

	assert.Equal(t, 2, s.ClearPending())
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_OnPeerDisconnected(t *testing.T) {
	s, buf, _ := newTestScheduler(3)

	s.OnPeerDisconnected(3)
	s.OnPeerDisconnected(3)

	assert.Equal(t, 2, buf.ActivePlayers())
	assert.True(t, errors.Is(s.OnReceive(remotePacket(t, 3, 0)), ErrDepartedSlot))
}
