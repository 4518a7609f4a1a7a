package peer

import (
	"fmt"
	"math/rand/v2"

	"github.com/OCAP2/lockstep/pkg/command"
)

// unitsPerSlot spaces unit ids so peers never collide.
const unitsPerSlot = 1 << 16

// Issuer accepts local commands.
type Issuer interface {
	Issue(cmd command.Command)
}

// Bot is a behaviour that plays on behalf of a peer: it spawns units, moves
// them around and chats, one command every Every updates. Its choices depend
// only on the seed so runs are reproducible.
type Bot struct {
	slot   int32
	every  int
	limit  int
	out    Issuer
	rng    *rand.Rand
	frames int
	units  []uint32
	issued int
}

// NewBot creates a bot for slot issuing one command every `every` updates,
// at most limit commands in total (0 for unlimited).
func NewBot(out Issuer, slot int32, every, limit int) *Bot {
	if every < 1 {
		every = 1
	}
	return &Bot{
		slot:  slot,
		every: every,
		limit: limit,
		out:   out,
		rng:   rand.New(rand.NewPCG(uint64(slot), 0x10c5)),
	}
}

func (b *Bot) Init() {}

func (b *Bot) Update() {
	b.frames++
	if b.frames%b.every != 0 {
		return
	}
	if b.limit > 0 && b.issued >= b.limit {
		return
	}
	b.issued++
	b.out.Issue(b.next())
}

func (b *Bot) Quit() {}

// Issued returns the number of commands issued so far.
func (b *Bot) Issued() int { return b.issued }

func (b *Bot) next() command.Command {
	hdr := command.Header{Src: b.slot}
	switch roll := b.rng.IntN(10); {
	case len(b.units) == 0 || roll < 2:
		id := uint32(b.slot)*unitsPerSlot + uint32(len(b.units))
		b.units = append(b.units, id)
		return command.Spawn{Header: hdr, Unit: id, X: b.coord(), Y: b.coord()}
	case roll < 8:
		id := b.units[b.rng.IntN(len(b.units))]
		return command.Move{Header: hdr, Unit: id, X: b.coord(), Y: b.coord()}
	case roll < 9:
		return command.Say{Header: hdr, Text: fmt.Sprintf("slot %d has %d units", b.slot, len(b.units))}
	default:
		return command.Test{Header: hdr}
	}
}

func (b *Bot) coord() int32 {
	return b.rng.Int32N(201) - 100
}
