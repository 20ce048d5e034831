// Package stats aggregates per-battle player statistics and turns them into
// the updateStats payload delivered by the connector.
package stats

// Defaults applied when a field was never filled in.
const (
	UnknownPlayer  = "Unknown Player"
	UnknownVehicle = "Unknown Vehicle"
	UnknownMap     = "Unknown Map"

	// WinUnknown marks a battle whose outcome is not known yet.
	WinUnknown = -1

	// PointsPerFrag is added to a player's points for every kill.
	PointsPerFrag = 400
)

// PlayerRecord is one player's line in a battle.
type PlayerRecord struct {
	Name    string `json:"name"`
	Damage  int    `json:"damage"`
	Kills   int    `json:"kills"`
	Points  int    `json:"points"`
	Vehicle string `json:"vehicle"`
}

// BattleRecord is one battle keyed by arena id.
type BattleRecord struct {
	StartTime int64                   `json:"startTime"` // unix milliseconds
	Duration  int                     `json:"duration"`  // seconds
	Win       int                     `json:"win"`       // -1 unknown, 0 loss, 1 win, 2 draw
	MapName   string                  `json:"mapName"`
	Players   map[string]PlayerRecord `json:"players"`
}

// Body is the stats document: battles by arena id and player names by id.
type Body struct {
	BattleStats map[string]BattleRecord `json:"BattleStats"`
	PlayerInfo  map[string]string       `json:"PlayerInfo"`
}

// Empty reports whether the body carries neither battles nor player info.
func (b Body) Empty() bool {
	return len(b.BattleStats) == 0 && len(b.PlayerInfo) == 0
}

// Payload is the updateStats event body.
type Payload struct {
	PlayerID  *string `json:"playerId"`
	Key       *string `json:"key"`
	SecretKey string  `json:"secretKey,omitempty"`
	Body      Body    `json:"body"`
}

// JoinRoomPayload is the joinRoom event body.
type JoinRoomPayload struct {
	Key       string `json:"key"`
	PlayerID  string `json:"playerId,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

// PingPayload is the application-level ping event body.
type PingPayload struct {
	Key string `json:"key"`
}
