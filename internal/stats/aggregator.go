package stats

import (
	"sort"
	"sync"
	"time"
)

// BattleUpdate carries optional changes for UpdateBattleStats. Nil fields are
// left untouched.
type BattleUpdate struct {
	Win      *int
	Duration *int
	Name     *string
	Damage   *int
	Kills    *int
	Vehicle  *string
}

// Aggregator collects battle and player statistics between sends.
// It is safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	battles map[string]*BattleRecord
	players map[string]string
	now     func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		battles: make(map[string]*BattleRecord),
		players: make(map[string]string),
		now:     time.Now,
	}
}

// CreateBattle starts (or replaces) a battle. A zero startTime means now and
// an empty map name is recorded as UnknownMap.
func (a *Aggregator) CreateBattle(arenaID string, startTime int64, duration, win int, mapName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createBattleLocked(arenaID, startTime, duration, win, mapName)
}

func (a *Aggregator) createBattleLocked(arenaID string, startTime int64, duration, win int, mapName string) *BattleRecord {
	if startTime == 0 {
		startTime = a.now().UnixMilli()
	}
	if mapName == "" {
		mapName = UnknownMap
	}
	b := &BattleRecord{
		StartTime: startTime,
		Duration:  duration,
		Win:       win,
		MapName:   mapName,
		Players:   make(map[string]PlayerRecord),
	}
	a.battles[arenaID] = b
	return b
}

// Battle returns a copy of one battle.
func (a *Aggregator) Battle(arenaID string) (BattleRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.battles[arenaID]
	if !ok {
		return BattleRecord{}, false
	}
	return copyBattle(b), true
}

// Battles returns the known arena ids in sorted order.
func (a *Aggregator) Battles() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.battles))
	for id := range a.battles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveBattle deletes a battle and reports whether it existed.
func (a *Aggregator) RemoveBattle(arenaID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.battles[arenaID]; !ok {
		return false
	}
	delete(a.battles, arenaID)
	return true
}

// AddPlayerToBattle sets a player's line, creating the battle with defaults
// when it does not exist yet.
func (a *Aggregator) AddPlayerToBattle(arenaID, playerID string, p PlayerRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.battles[arenaID]
	if !ok {
		b = a.createBattleLocked(arenaID, 0, 0, WinUnknown, "")
	}
	if p.Name == "" {
		p.Name = UnknownPlayer
	}
	if p.Vehicle == "" {
		p.Vehicle = UnknownVehicle
	}
	b.Players[playerID] = p
}

// PlayerStats returns one player's line in a battle.
func (a *Aggregator) PlayerStats(arenaID, playerID string) (PlayerRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.battles[arenaID]
	if !ok {
		return PlayerRecord{}, false
	}
	p, ok := b.Players[playerID]
	return p, ok
}

// UpdateBattleStats applies u to the battle and the player's line. Damage
// and kills replace the stored values and also add to points. It returns
// false when the player is not part of the battle.
func (a *Aggregator) UpdateBattleStats(arenaID, playerID string, u BattleUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.battles[arenaID]
	if !ok {
		return false
	}
	p, ok := b.Players[playerID]
	if !ok {
		return false
	}

	if u.Duration != nil {
		b.Duration = *u.Duration
	}
	if u.Win != nil {
		b.Win = *u.Win
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Damage != nil {
		p.Damage = *u.Damage
		p.Points += *u.Damage
	}
	if u.Kills != nil {
		p.Kills = *u.Kills
		p.Points += *u.Kills * PointsPerFrag
	}
	if u.Vehicle != nil {
		p.Vehicle = *u.Vehicle
	}
	b.Players[playerID] = p
	return true
}

// AddDamage adds damage (and the same amount of points). Non-positive
// amounts and unknown players are ignored and reported as false.
func (a *Aggregator) AddDamage(arenaID, playerID string, damage int) bool {
	if damage <= 0 {
		return false
	}
	return a.modifyPlayer(arenaID, playerID, func(p *PlayerRecord) {
		p.Damage += damage
		p.Points += damage
	})
}

// AddKills adds kills and PointsPerFrag points for each.
func (a *Aggregator) AddKills(arenaID, playerID string, kills int) bool {
	if kills <= 0 {
		return false
	}
	return a.modifyPlayer(arenaID, playerID, func(p *PlayerRecord) {
		p.Kills += kills
		p.Points += kills * PointsPerFrag
	})
}

func (a *Aggregator) modifyPlayer(arenaID, playerID string, fn func(p *PlayerRecord)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.battles[arenaID]
	if !ok {
		return false
	}
	p, ok := b.Players[playerID]
	if !ok {
		return false
	}
	fn(&p)
	b.Players[playerID] = p
	return true
}

// SetPlayerInfo records a player's display name.
func (a *Aggregator) SetPlayerInfo(playerID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.players[playerID] = name
}

// RemovePlayerInfo deletes a player's name and reports whether it existed.
func (a *Aggregator) RemovePlayerInfo(playerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.players[playerID]; !ok {
		return false
	}
	delete(a.players, playerID)
	return true
}

// PlayersInfo returns a copy of the player name map.
func (a *Aggregator) PlayersInfo() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]string, len(a.players))
	for k, v := range a.players {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep copy of everything collected so far.
func (a *Aggregator) Snapshot() Body {
	a.mu.RLock()
	defer a.mu.RUnlock()

	body := Body{
		BattleStats: make(map[string]BattleRecord, len(a.battles)),
		PlayerInfo:  make(map[string]string, len(a.players)),
	}
	for id, b := range a.battles {
		body.BattleStats[id] = copyBattle(b)
	}
	for k, v := range a.players {
		body.PlayerInfo[k] = v
	}
	return body
}

// Clear drops all battles and player info.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.battles = make(map[string]*BattleRecord)
	a.players = make(map[string]string)
}

func copyBattle(b *BattleRecord) BattleRecord {
	out := *b
	out.Players = make(map[string]PlayerRecord, len(b.Players))
	for k, v := range b.Players {
		out.Players[k] = v
	}
	return out
}
