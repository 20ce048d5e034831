package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildEvent encodes an event as a socket.io event packet: 42["name",data].
// A nil or empty data produces 42["name"].
func BuildEvent(name string, data json.RawMessage) (string, error) {
	nameJSON, err := json.Marshal(name)
	if err != nil {
		return "", fmt.Errorf("failed to encode event name: %w", err)
	}

	var b strings.Builder
	b.Grow(len(TokenEvent) + len(nameJSON) + len(data) + 3)
	b.WriteString(TokenEvent)
	b.WriteByte('[')
	b.Write(nameJSON)
	if len(data) > 0 {
		if !json.Valid(data) {
			return "", fmt.Errorf("event %q data is not valid JSON", name)
		}
		b.WriteByte(',')
		b.Write(data)
	}
	b.WriteByte(']')
	return b.String(), nil
}

// BuildConnectError encodes a connect error packet: 44{"message":...}.
func BuildConnectError(message string) string {
	body, _ := json.Marshal(map[string]string{"message": message})
	return TokenConnectError + string(body)
}

// BuildOpen encodes an engine.io open packet: 0{...}.
func BuildOpen(info OpenInfo) (string, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to encode open packet: %w", err)
	}
	return TokenOpen + string(body), nil
}
