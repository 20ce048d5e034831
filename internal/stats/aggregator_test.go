package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestAggregatorAddPlayerCreatesBattle(t *testing.T) {
	a := NewAggregator()
	fixed := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return fixed }

	a.AddPlayerToBattle("arena1", "p1", PlayerRecord{})

	b, ok := a.Battle("arena1")
	require.True(t, ok)
	assert.Equal(t, fixed.UnixMilli(), b.StartTime)
	assert.Equal(t, WinUnknown, b.Win)
	assert.Equal(t, UnknownMap, b.MapName)

	p, ok := a.PlayerStats("arena1", "p1")
	require.True(t, ok)
	assert.Equal(t, UnknownPlayer, p.Name)
	assert.Equal(t, UnknownVehicle, p.Vehicle)
}

func TestAggregatorDamageAndKills(t *testing.T) {
	a := NewAggregator()
	a.CreateBattle("a", 1000, 0, WinUnknown, "Himmelsdorf")
	a.AddPlayerToBattle("a", "p", PlayerRecord{Name: "tanker", Vehicle: "T-34"})

	assert.True(t, a.AddDamage("a", "p", 350))
	assert.True(t, a.AddKills("a", "p", 2))
	assert.False(t, a.AddDamage("a", "p", 0))
	assert.False(t, a.AddKills("a", "p", -1))
	assert.False(t, a.AddDamage("a", "missing", 10))
	assert.False(t, a.AddKills("missing", "p", 1))

	p, _ := a.PlayerStats("a", "p")
	assert.Equal(t, 350, p.Damage)
	assert.Equal(t, 2, p.Kills)
	assert.Equal(t, 350+2*PointsPerFrag, p.Points)
}

func TestAggregatorUpdateBattleStats(t *testing.T) {
	a := NewAggregator()
	a.AddPlayerToBattle("a", "p", PlayerRecord{Name: "x", Points: 10})

	ok := a.UpdateBattleStats("a", "p", BattleUpdate{
		Win:      intPtr(1),
		Duration: intPtr(420),
		Name:     strPtr("renamed"),
		Damage:   intPtr(100),
		Kills:    intPtr(1),
		Vehicle:  strPtr("IS-7"),
	})
	require.True(t, ok)

	b, _ := a.Battle("a")
	assert.Equal(t, 1, b.Win)
	assert.Equal(t, 420, b.Duration)

	p := b.Players["p"]
	assert.Equal(t, "renamed", p.Name)
	assert.Equal(t, 100, p.Damage)
	assert.Equal(t, 1, p.Kills)
	assert.Equal(t, 10+100+PointsPerFrag, p.Points)
	assert.Equal(t, "IS-7", p.Vehicle)

	assert.False(t, a.UpdateBattleStats("a", "nobody", BattleUpdate{}))
	assert.False(t, a.UpdateBattleStats("none", "p", BattleUpdate{}))
}

func TestAggregatorPlayerInfoAndRemoval(t *testing.T) {
	a := NewAggregator()
	a.SetPlayerInfo("1", "alpha")
	a.SetPlayerInfo("2", "beta")
	assert.True(t, a.RemovePlayerInfo("2"))
	assert.False(t, a.RemovePlayerInfo("2"))
	assert.Equal(t, map[string]string{"1": "alpha"}, a.PlayersInfo())

	a.CreateBattle("b", 0, 0, WinUnknown, "")
	a.CreateBattle("a", 0, 0, WinUnknown, "")
	assert.Equal(t, []string{"a", "b"}, a.Battles())
	assert.True(t, a.RemoveBattle("a"))
	assert.False(t, a.RemoveBattle("a"))
	assert.Equal(t, []string{"b"}, a.Battles())
}

func TestAggregatorSnapshotIsIsolated(t *testing.T) {
	a := NewAggregator()
	a.AddPlayerToBattle("a", "p", PlayerRecord{Name: "x"})
	a.SetPlayerInfo("p", "x")

	snap := a.Snapshot()
	snap.BattleStats["a"].Players["p"] = PlayerRecord{Name: "mutated"}
	snap.PlayerInfo["p"] = "mutated"

	p, _ := a.PlayerStats("a", "p")
	assert.Equal(t, "x", p.Name)
	assert.Equal(t, "x", a.PlayersInfo()["p"])

	a.Clear()
	assert.True(t, a.Snapshot().Empty())
}
