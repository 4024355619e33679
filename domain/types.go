package domain

import (
	"encoding/json"
	"time"
)

type Team string

const (
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
	TeamNone Team = "none"
)

// Rostered reports whether the team takes part in team-scoped content
// (duels, choice mode, event scoring).
func (t Team) Rostered() bool {
	return t == TeamRed || t == TeamBlue
}

func (t Team) Opponent() Team {
	switch t {
	case TeamRed:
		return TeamBlue
	case TeamBlue:
		return TeamRed
	default:
		return TeamNone
	}
}

type MissionType string

const (
	MissionStart MissionType = "START"
	MissionMid   MissionType = "MID"
	MissionLate  MissionType = "LATE"
)

type Phase string

const (
	PhaseMid   Phase = "MID"
	PhaseLate  Phase = "LATE"
	PhaseEvent Phase = "EVENT"
)

type Placeholder string

const (
	PlaceholderNone     Placeholder = "none"
	PlaceholderAny      Placeholder = "any"
	PlaceholderTeammate Placeholder = "teammate"
	PlaceholderOpponent Placeholder = "opponent"
	PlaceholderDuel     Placeholder = "duel"
)

type Room struct {
	Code               string          `json:"code"`
	CreatorToken       string          `json:"-"`
	GameMap            string          `json:"gameMap"`
	GameStarted        bool            `json:"gameStarted"`
	GameStopped        bool            `json:"gameStopped"`
	GameStartTime      *time.Time      `json:"gameStartTime"`
	TotalPaused        time.Duration   `json:"-"`
	EventPausedAt      *time.Time      `json:"eventPausedAt"`
	MidMissionDelay    int             `json:"midMissionDelay"`
	LateMissionDelay   int             `json:"lateMissionDelay"`
	MissionChoiceCount int             `json:"missionChoiceCount"`
	VictoryBonus       bool            `json:"victoryBonus"`
	ValidationStatus   ValidationState `json:"validationStatus"`
	WinnerTeam         *Team           `json:"winnerTeam"`
	Players            []Player        `json:"players"`
	Events             []RoomEvent     `json:"events"`
}

// EffectiveElapsed is the game clock at instant now: wall time since the game
// started minus every paused interval, including a pause still in progress.
func (r Room) EffectiveElapsed(now time.Time) time.Duration {
	if r.GameStartTime == nil {
		return 0
	}
	elapsed := now.Sub(*r.GameStartTime) - r.TotalPaused
	if r.EventPausedAt != nil {
		elapsed -= now.Sub(*r.EventPausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RosteredPlayers returns the players on a real team, in roster order.
func (r Room) RosteredPlayers() []Player {
	rostered := make([]Player, 0, len(r.Players))
	for _, p := range r.Players {
		if p.Team.Rostered() {
			rostered = append(rostered, p)
		}
	}
	return rostered
}

// HasAssignment reports whether any room player already holds a mission of
// the given type, directly or as a pending choice.
func (r Room) HasAssignment(t MissionType) bool {
	for _, p := range r.Players {
		for _, pm := range p.Missions {
			if pm.Type == t {
				return true
			}
		}
		for _, pc := range p.PendingChoices {
			if pc.Type == t {
				return true
			}
		}
	}
	return false
}

type Player struct {
	Id             string                 `json:"id"`
	RoomCode       string                 `json:"-"`
	Name           string                 `json:"name"`
	Team           Team                   `json:"team"`
	Token          string                 `json:"-"`
	Position       int                    `json:"position"`
	Missions       []PlayerMission        `json:"missions"`
	PendingChoices []PendingMissionChoice `json:"pendingChoices,omitempty"`
}

type Mission struct {
	Id          string      `json:"id"`
	Type        MissionType `json:"type"`
	Category    string      `json:"category"`
	Difficulty  int         `json:"difficulty"`
	Points      int         `json:"points"`
	IsPrivate   bool        `json:"isPrivate"`
	Maps        []string    `json:"maps"`
	Placeholder Placeholder `json:"playerPlaceholder"`
	Text        string      `json:"text"`
}

// AppliesTo reports whether the mission is playable on the given map.
// An empty maps list means the mission applies everywhere.
func (m Mission) AppliesTo(gameMap string) bool {
	if len(m.Maps) == 0 {
		return true
	}
	for _, mp := range m.Maps {
		if mp == gameMap {
			return true
		}
	}
	return false
}

// PlayerMission is the durable assignment record. ResolvedText is frozen at
// assignment time and never recomputed from the catalog.
type PlayerMission struct {
	PlayerId     string      `json:"playerId"`
	MissionId    string      `json:"missionId"`
	Type         MissionType `json:"type"`
	ResolvedText string      `json:"resolvedText"`
	Points       int         `json:"points"`
	IsPrivate    bool        `json:"isPrivate"`
	Decided      bool        `json:"decided"`
	Validated    bool        `json:"validated"`
	PointsEarned int         `json:"pointsEarned"`
}

// PendingMissionChoice is the transient choice-mode offer, collapsed into a
// PlayerMission by the external pick operation.
type PendingMissionChoice struct {
	Id           string      `json:"id"`
	PlayerId     string      `json:"playerId"`
	MissionId    string      `json:"missionId"`
	Type         MissionType `json:"type"`
	ResolvedText string      `json:"resolvedText"`
	Points       int         `json:"points"`
}

// GameEvent is a catalog entry for random in-game occurrences.
type GameEvent struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

type RoomEvent struct {
	Id            string     `json:"id"`
	RoomCode      string     `json:"-"`
	EventId       string     `json:"eventId"`
	Name          string     `json:"name"`
	Points        int        `json:"points"`
	Seq           int        `json:"seq"`
	ScheduledAt   int        `json:"scheduledAt"`
	AppearedAt    *time.Time `json:"appearedAt"`
	RedDecided    bool       `json:"redDecided"`
	RedValidated  bool       `json:"redValidated"`
	BlueValidated bool       `json:"blueValidated"`
}

func (e RoomEvent) Appeared() bool {
	return e.AppearedAt != nil
}

type GameHistory struct {
	Id         string          `json:"id"`
	RoomCode   string          `json:"roomCode"`
	WinnerTeam *Team           `json:"winnerTeam"`
	RedScore   int             `json:"redScore"`
	BlueScore  int             `json:"blueScore"`
	BonusPoint int             `json:"bonusPoints"`
	Snapshot   json.RawMessage `json:"snapshot"`
	CreatedAt  time.Time       `json:"createdAt"`
}
