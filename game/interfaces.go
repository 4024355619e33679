package game

import (
	"context"

	"github.com/eraoriginal/lol-missions-sub000/domain"
)

type RoomGetter interface {
	GetRoomWithAssignments(ctx context.Context, code string) (domain.Room, error)
}

// AssignmentWriter is the write side of phase coordination. Every Create
// method runs inside one transaction that re-checks for existing content and
// returns domain.ErrAssignmentExists when a concurrent writer got there
// first.
type AssignmentWriter interface {
	MissionPool(ctx context.Context, t domain.MissionType, gameMap string) ([]domain.Mission, error)
	CreatePlayerMissions(ctx context.Context, roomCode string, t domain.MissionType, rows []domain.PlayerMission) error
	CreatePendingChoices(ctx context.Context, roomCode string, t domain.MissionType, rows []domain.PendingMissionChoice) error
	EventCatalog(ctx context.Context) ([]domain.GameEvent, error)
	CreateEventSchedule(ctx context.Context, roomCode string, events []domain.RoomEvent) error
	SurfaceDueEvents(ctx context.Context, roomCode string, elapsedSeconds int) ([]domain.RoomEvent, error)
}

type PhaseStore interface {
	RoomGetter
	AssignmentWriter
}

// ValidationWriter applies validation transitions as conditional writes: a
// write that matches zero rows means the precondition no longer holds and
// maps to domain.ErrInvalidTransition (or the event-specific sentinels).
type ValidationWriter interface {
	AdvanceValidationStatus(ctx context.Context, code string, from, to domain.ValidationState) error
	RecordMissionDecision(ctx context.Context, playerId string, t domain.MissionType, validated bool) error
	DecideRoomEvent(ctx context.Context, roomCode, roomEventId string, winner domain.Team) error
	SetWinnerTeam(ctx context.Context, code string, team domain.Team) error
	FinalizeRoom(ctx context.Context, code string, from domain.ValidationState, hist domain.GameHistory) error
}

type ValidationStore interface {
	RoomGetter
	ValidationWriter
}

type CredentialChecker interface {
	IsCreator(ctx context.Context, token, roomCode string) (bool, error)
}

// Publisher fans out "state changed, refetch" notifications. Delivery is
// best-effort; nothing may depend on a notification arriving.
type Publisher interface {
	Publish(roomCode, kind string)
}
