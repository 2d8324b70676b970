package uws

import "fmt"

// MessageType doubles as the websocket opcode handed to the engine.
type MessageType byte

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
	CloseMessage  MessageType = 8
	PingMessage   MessageType = 9
	PongMessage   MessageType = 10
)

func (t MessageType) Is(other MessageType) bool {
	return t == other
}

func (t MessageType) IsText() bool {
	return t.Is(TextMessage)
}

func (t MessageType) IsBinary() bool {
	return t.Is(BinaryMessage)
}

func (t MessageType) IsControl() bool {
	return t >= CloseMessage
}

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case CloseMessage:
		return "close"
	case PingMessage:
		return "ping"
	case PongMessage:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", byte(t))
	}
}

type Message interface {
	Type() MessageType
	Data() []byte
	String() string
}

type message struct {
	MessageType MessageType
	MessageData []byte
}

func (m message) Type() MessageType {
	return m.MessageType
}

func (m message) Data() []byte {
	return m.MessageData
}

func (m message) String() string {
	return fmt.Sprintf("Message{type=%s,data=%s}",
		m.MessageType, m.MessageData)
}

func NewMessage(mt MessageType, data []byte) Message {
	return message{MessageType: mt, MessageData: data}
}

func NewTextMessage(text string) Message {
	return NewMessage(TextMessage, []byte(text))
}

func NewBinaryMessage(data []byte) Message {
	return NewMessage(BinaryMessage, data)
}

// dataOpcode picks the frame opcode for an application payload. Anything that
// is not explicitly text goes out as binary.
func dataOpcode(m Message) MessageType {
	if m.Type().IsText() {
		return TextMessage
	}
	return BinaryMessage
}

func opcodeFor(binary bool) MessageType {
	if binary {
		return BinaryMessage
	}
	return TextMessage
}
