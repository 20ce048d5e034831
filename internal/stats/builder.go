package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/statlink-project/statlink/internal/connector"
)

var (
	// ErrAuthMissing means secret-auth mode is on but no access key is set.
	ErrAuthMissing = errors.New("secret auth enabled but no access key set")

	// ErrNoContent means there is nothing to send.
	ErrNoContent = errors.New("no stats to send")
)

// BuildPayload assembles the updateStats payload for playerID from body,
// filling defaults for missing fields. It enforces maxBytes on the encoded
// payload and returns the encoded form alongside the struct.
func BuildPayload(creds connector.Credentials, playerID string, body Body, maxBytes int, now time.Time) (Payload, []byte, error) {
	if creds.UseSecretAuth && creds.AccessKey == "" {
		return Payload{}, nil, ErrAuthMissing
	}

	normalized := normalizeBody(body, now)
	if normalized.Empty() {
		return Payload{}, nil, ErrNoContent
	}

	p := Payload{Body: normalized}
	if playerID != "" {
		p.PlayerID = &playerID
	}
	if creds.AccessKey != "" {
		key := creds.AccessKey
		p.Key = &key
	}
	if creds.UseSecretAuth && creds.SecretKey != "" {
		p.SecretKey = creds.SecretKey
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Payload{}, nil, fmt.Errorf("failed to encode stats payload: %w", err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return Payload{}, nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", connector.ErrPayloadTooLarge, len(data), maxBytes)
	}
	return p, data, nil
}

func normalizeBody(body Body, now time.Time) Body {
	out := Body{
		BattleStats: make(map[string]BattleRecord, len(body.BattleStats)),
		PlayerInfo:  make(map[string]string, len(body.PlayerInfo)),
	}

	for arenaID, b := range body.BattleStats {
		if b.StartTime == 0 {
			b.StartTime = now.UnixMilli()
		}
		if b.MapName == "" {
			b.MapName = UnknownMap
		}
		players := make(map[string]PlayerRecord, len(b.Players))
		for pid, p := range b.Players {
			if p.Name == "" {
				p.Name = UnknownPlayer
			}
			if p.Vehicle == "" {
				p.Vehicle = UnknownVehicle
			}
			players[pid] = p
		}
		b.Players = players
		out.BattleStats[arenaID] = b
	}
	for pid, name := range body.PlayerInfo {
		out.PlayerInfo[pid] = name
	}
	return out
}
