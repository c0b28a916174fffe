package coach

// Frame is one raw event of a provider stream. The set of variants is closed.
type Frame interface {
	isFrame()
}

// MessageStartFrame opens a model turn.
type MessageStartFrame struct {
	InputTokens int
}

// BlockStartFrame opens content block Index. Block carries the block kind and,
// for tool_use blocks, the call id and name.
type BlockStartFrame struct {
	Index int
	Block ContentBlock
}

type TextDeltaFrame struct {
	Index int
	Text  string
}

type ThinkingDeltaFrame struct {
	Index    int
	Thinking string
}

type SignatureDeltaFrame struct {
	Index     int
	Signature string
}

// InputJSONDeltaFrame carries a fragment of a tool_use block's input JSON.
type InputJSONDeltaFrame struct {
	Index       int
	PartialJSON string
}

type BlockStopFrame struct {
	Index int
}

// MessageDeltaFrame carries the turn's stop reason and cumulative output usage.
type MessageDeltaFrame struct {
	StopReason   string
	OutputTokens int
}

type MessageStopFrame struct{}

func (MessageStartFrame) isFrame()   {}
func (BlockStartFrame) isFrame()     {}
func (TextDeltaFrame) isFrame()      {}
func (ThinkingDeltaFrame) isFrame()  {}
func (SignatureDeltaFrame) isFrame() {}
func (InputJSONDeltaFrame) isFrame() {}
func (BlockStopFrame) isFrame()      {}
func (MessageDeltaFrame) isFrame()   {}
func (MessageStopFrame) isFrame()    {}
