package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPacket is returned for a zero-length text message.
var ErrEmptyPacket = errors.New("empty packet")

// ParsePacket decodes one sub-protocol text message into a Packet.
//
// Recognised forms:
//
//	0{...}        engine.io open
//	1             engine.io close
//	2 / 3         ping / pong
//	40[{...}]     namespace connect (ack)
//	41            namespace disconnect
//	42[...]       event: ["name", data?]
//	44{...}       connect error: {"message": "..."}
//
// A packet with a known prefix but a malformed body returns the kind along
// with a non-nil error so callers can log and drop it.
func ParsePacket(raw string) (Packet, error) {
	pkt := Packet{Raw: raw}
	if raw == "" {
		return pkt, ErrEmptyPacket
	}

	switch {
	case raw == TokenPing:
		pkt.Kind = KindPing
		return pkt, nil
	case raw == TokenPong:
		pkt.Kind = KindPong
		return pkt, nil
	case raw == TokenClose:
		pkt.Kind = KindClose
		return pkt, nil
	case strings.HasPrefix(raw, TokenEvent):
		pkt.Kind = KindEvent
		return parseEvent(pkt, stripNamespace(raw[2:]))
	case strings.HasPrefix(raw, TokenConnectError):
		pkt.Kind = KindConnectError
		return parseConnectError(pkt, stripNamespace(raw[2:]))
	case strings.HasPrefix(raw, TokenConnect):
		pkt.Kind = KindConnect
		return pkt, nil
	case strings.HasPrefix(raw, TokenDisconnect):
		pkt.Kind = KindDisconnect
		return pkt, nil
	case strings.HasPrefix(raw, TokenOpen):
		pkt.Kind = KindOpen
		return parseOpen(pkt, raw[1:])
	}

	return pkt, nil
}

func parseEvent(pkt Packet, body string) (Packet, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(body), &arr); err != nil {
		return pkt, fmt.Errorf("failed to parse event array: %w", err)
	}
	if len(arr) == 0 {
		return pkt, fmt.Errorf("event array is empty")
	}
	if err := json.Unmarshal(arr[0], &pkt.Event); err != nil {
		return pkt, fmt.Errorf("event name is not a string: %w", err)
	}
	if len(arr) > 1 {
		pkt.Data = arr[1]
	}
	return pkt, nil
}

func parseConnectError(pkt Packet, body string) (Packet, error) {
	pkt.ErrorMessage = "Unknown error"
	if body == "" {
		return pkt, nil
	}

	var payload struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		// Some servers send a bare string.
		var s string
		if json.Unmarshal([]byte(body), &s) == nil {
			pkt.ErrorMessage = s
			return pkt, nil
		}
		return pkt, fmt.Errorf("failed to parse error body: %w", err)
	}
	if payload.Message != nil {
		pkt.ErrorMessage = *payload.Message
	}
	return pkt, nil
}

func parseOpen(pkt Packet, body string) (Packet, error) {
	if body == "" {
		return pkt, nil
	}
	var info OpenInfo
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		return pkt, fmt.Errorf("failed to parse open packet: %w", err)
	}
	pkt.Open = &info
	return pkt, nil
}

// stripNamespace drops a leading "/nsp," segment that socket.io adds for
// non-default namespaces.
func stripNamespace(body string) string {
	if !strings.HasPrefix(body, "/") {
		return body
	}
	if idx := strings.IndexByte(body, ','); idx >= 0 {
		return body[idx+1:]
	}
	return ""
}
