package command

// Test is a payload-less command used for connectivity checks.
type Test struct {
	Header
}

func (Test) Tag() Tag { return TagTest }

// Execute records that the source peer was heard from.
func (c Test) Execute(s State) { s.Touch(c.Src) }

func (c Test) appendPayload(buf []byte) []byte { return buf }

func (c Test) withSource(slot int32) Command {
	c.Src = slot
	return c
}

// Spawn creates a unit owned by the source peer.
type Spawn struct {
	Header
	Unit uint32 `json:"unit"`
	X    int32  `json:"x"`
	Y    int32  `json:"y"`
}

func (Spawn) Tag() Tag { return TagSpawn }

func (c Spawn) Execute(s State) { s.SpawnUnit(c.Src, c.Unit, c.X, c.Y) }

func (c Spawn) appendPayload(buf []byte) []byte {
	return appendPosition(buf, c.Unit, c.X, c.Y)
}

func (c Spawn) withSource(slot int32) Command {
	c.Src = slot
	return c
}

// Move relocates a unit. The state ignores moves of units the source does not own.
type Move struct {
	Header
	Unit uint32 `json:"unit"`
	X    int32  `json:"x"`
	Y    int32  `json:"y"`
}

func (Move) Tag() Tag { return TagMove }

func (c Move) Execute(s State) { s.MoveUnit(c.Src, c.Unit, c.X, c.Y) }

func (c Move) appendPayload(buf []byte) []byte {
	return appendPosition(buf, c.Unit, c.X, c.Y)
}

func (c Move) withSource(slot int32) Command {
	c.Src = slot
	return c
}

// Say broadcasts a short text line.
type Say struct {
	Header
	Text string `json:"text"`
}

func (Say) Tag() Tag { return TagSay }

func (c Say) Execute(s State) { s.Say(c.Src, c.Text) }

func (c Say) appendPayload(buf []byte) []byte {
	return appendString(buf, c.Text)
}

func (c Say) withSource(slot int32) Command {
	c.Src = slot
	return c
}

func decodeTest(r *Reader, source int32) (Command, error) {
	return Test{Header: Header{Src: source}}, nil
}

func decodeSpawn(r *Reader, source int32) (Command, error) {
	unit, x, y, err := readPosition(r)
	if err != nil {
		return nil, err
	}
	return Spawn{Header: Header{Src: source}, Unit: unit, X: x, Y: y}, nil
}

func decodeMove(r *Reader, source int32) (Command, error) {
	unit, x, y, err := readPosition(r)
	if err != nil {
		return nil, err
	}
	return Move{Header: Header{Src: source}, Unit: unit, X: x, Y: y}, nil
}

func decodeSay(r *Reader, source int32) (Command, error) {
	text, err := r.Text()
	if err != nil {
		return nil, err
	}
	return Say{Header: Header{Src: source}, Text: text}, nil
}

func appendPosition(buf []byte, unit uint32, x, y int32) []byte {
	buf = AppendUint32(buf, unit)
	buf = AppendInt32(buf, x)
	return AppendInt32(buf, y)
}

func readPosition(r *Reader) (unit uint32, x, y int32, err error) {
	if unit, err = r.Uint32(); err != nil {
		return
	}
	if x, err = r.Int32(); err != nil {
		return
	}
	y, err = r.Int32()
	return
}
