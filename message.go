package websocket

import (
	"github.com/wmdanor/gateway-ws/frame"
)

type MessageType uint8

const (
	TextMessage   MessageType = MessageType(frame.OpcodeTextFrame)
	BinaryMessage MessageType = MessageType(frame.OpcodeBinaryFrame)
)

// Message is a received text or binary message.
type Message = frame.Message

type BinaryType = frame.BinaryType

const (
	// binary messages arrive in Message.Data
	BinaryBytes = frame.BinaryBytes
	// binary messages arrive as the list of received fragments in Message.Fragments
	BinaryFragments = frame.BinaryFragments
)

// TypeOf returns the type of a received message.
func TypeOf(msg Message) MessageType {
	return MessageType(msg.Opcode)
}
