// Package protocol implements the wire layer used by the statlink uplink:
// websocket framing (RFC 6455 subset) and the minimal engine.io / socket.io
// text sub-protocol carried inside text frames.
package protocol

import (
	"encoding/json"
	"time"
)

// Websocket opcodes.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// Frame header bits.
const (
	finBit      byte = 0x80
	rsvMask     byte = 0x70
	opcodeMask  byte = 0x0F
	maskBit     byte = 0x80
	lengthMask  byte = 0x7F
	len16Marker      = 126
	len64Marker      = 127
)

// MaxFrameSize bounds a single inbound frame. A header declaring more than
// this means the stream is desynced.
const MaxFrameSize = 16 << 20

// Engine.io / socket.io control tokens as they appear on the wire.
const (
	TokenOpen           = "0"
	TokenClose          = "1"
	TokenPing           = "2"
	TokenPong           = "3"
	TokenConnect        = "40"
	TokenDisconnect     = "41"
	TokenEvent          = "42"
	TokenConnectError   = "44"
	DefaultNamespace    = "/"
	HandshakePathPrefix = "/socket.io/?EIO=4&transport=websocket"
)

// PacketKind is the closed set of sub-protocol packets understood by the client.
type PacketKind int

const (
	KindUnknown PacketKind = iota
	KindOpen
	KindClose
	KindPing
	KindPong
	KindConnect
	KindDisconnect
	KindEvent
	KindConnectError
)

var packetKindStrings = map[PacketKind]string{
	KindUnknown:      "unknown",
	KindOpen:         "open",
	KindClose:        "close",
	KindPing:         "ping",
	KindPong:         "pong",
	KindConnect:      "connect",
	KindDisconnect:   "disconnect",
	KindEvent:        "event",
	KindConnectError: "connect_error",
}

// String returns the string representation of PacketKind.
func (k PacketKind) String() string {
	if s, ok := packetKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Frame is one decoded websocket frame.
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// IsControl reports whether the frame carries a control opcode.
func (f *Frame) IsControl() bool {
	return f.Opcode&0x8 != 0
}

// OpenInfo is the body of the engine.io open packet ("0{...}").
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// PingIntervalDuration returns the negotiated ping interval.
func (o OpenInfo) PingIntervalDuration() time.Duration {
	return time.Duration(o.PingInterval) * time.Millisecond
}

// PingTimeoutDuration returns the negotiated ping timeout.
func (o OpenInfo) PingTimeoutDuration() time.Duration {
	return time.Duration(o.PingTimeout) * time.Millisecond
}

// Packet is a decoded sub-protocol message. Only the fields relevant to
// Kind are populated.
type Packet struct {
	Kind PacketKind

	// KindEvent
	Event string
	Data  json.RawMessage

	// KindOpen
	Open *OpenInfo

	// KindConnectError
	ErrorMessage string

	// Raw is the undecoded text, kept for logging.
	Raw string
}
