package game

import (
	"context"
	"sync"
	"time"

	"github.com/eraoriginal/lol-missions-sub000/domain"
)

// memStore is an in-memory stand-in for the postgres repo. It reproduces the
// store contract the coordinators rely on: reads return snapshots, writes
// are mutually exclusive, and the first phase write wins.
type memStore struct {
	mu      sync.Mutex
	room    domain.Room
	pool    map[domain.MissionType][]domain.Mission
	catalog []domain.GameEvent
	history []domain.GameHistory

	// readsUntilComplete hides phase content from reads while positive,
	// simulating the window where a winner's rows are not yet visible.
	readsUntilComplete int

	nowFn func() time.Time
}

func newMemStore(room domain.Room) *memStore {
	return &memStore{
		room:  room,
		pool:  map[domain.MissionType][]domain.Mission{},
		nowFn: time.Now,
	}
}

func (s *memStore) snapshotLocked() domain.Room {
	room := s.room
	room.Players = make([]domain.Player, len(s.room.Players))
	copy(room.Players, s.room.Players)
	for i := range room.Players {
		room.Players[i].Missions = append([]domain.PlayerMission(nil), s.room.Players[i].Missions...)
		room.Players[i].PendingChoices = append([]domain.PendingMissionChoice(nil), s.room.Players[i].PendingChoices...)
	}
	room.Events = append([]domain.RoomEvent(nil), s.room.Events...)
	return room
}

func (s *memStore) GetRoomWithAssignments(ctx context.Context, code string) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != s.room.Code {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	room := s.snapshotLocked()
	if s.readsUntilComplete > 0 {
		s.readsUntilComplete--
		for i := range room.Players {
			room.Players[i].Missions = nil
			room.Players[i].PendingChoices = nil
		}
	}
	return room, nil
}

func (s *memStore) MissionPool(ctx context.Context, t domain.MissionType, gameMap string) ([]domain.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Mission
	for _, m := range s.pool[t] {
		if m.AppliesTo(gameMap) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) hasAssignmentLocked(t domain.MissionType) bool {
	for _, p := range s.room.Players {
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

func (s *memStore) CreatePlayerMissions(ctx context.Context, roomCode string, t domain.MissionType, rows []domain.PlayerMission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasAssignmentLocked(t) {
		return domain.ErrAssignmentExists
	}
	for _, pm := range rows {
		for i := range s.room.Players {
			if s.room.Players[i].Id == pm.PlayerId {
				s.room.Players[i].Missions = append(s.room.Players[i].Missions, pm)
			}
		}
	}
	return nil
}

func (s *memStore) CreatePendingChoices(ctx context.Context, roomCode string, t domain.MissionType, rows []domain.PendingMissionChoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasAssignmentLocked(t) {
		return domain.ErrAssignmentExists
	}
	for _, pc := range rows {
		for i := range s.room.Players {
			if s.room.Players[i].Id == pc.PlayerId {
				s.room.Players[i].PendingChoices = append(s.room.Players[i].PendingChoices, pc)
			}
		}
	}
	return nil
}

func (s *memStore) EventCatalog(ctx context.Context) ([]domain.GameEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.GameEvent(nil), s.catalog...), nil
}

func (s *memStore) CreateEventSchedule(ctx context.Context, roomCode string, events []domain.RoomEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.room.Events) > 0 {
		return domain.ErrAssignmentExists
	}
	for i, e := range events {
		e.Id = e.EventId + "-scheduled"
		e.RoomCode = roomCode
		events[i] = e
	}
	s.room.Events = append(s.room.Events, events...)
	return nil
}

func (s *memStore) SurfaceDueEvents(ctx context.Context, roomCode string, elapsedSeconds int) ([]domain.RoomEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	var surfaced []domain.RoomEvent
	for i := range s.room.Events {
		e := &s.room.Events[i]
		if e.AppearedAt == nil && e.ScheduledAt <= elapsedSeconds {
			at := now
			e.AppearedAt = &at
			surfaced = append(surfaced, *e)
		}
	}
	if len(surfaced) > 0 && s.room.EventPausedAt == nil {
		at := now
		s.room.EventPausedAt = &at
	}
	return surfaced, nil
}

func (s *memStore) AdvanceValidationStatus(ctx context.Context, code string, from, to domain.ValidationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != s.room.Code {
		return domain.ErrRoomNotFound
	}
	if s.room.GameStopped || s.room.ValidationStatus != from {
		return domain.ErrInvalidTransition
	}
	s.room.ValidationStatus = to
	return nil
}

func (s *memStore) RecordMissionDecision(ctx context.Context, playerId string, t domain.MissionType, validated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for i := range s.room.Players {
		if s.room.Players[i].Id != playerId {
			continue
		}
		for j := range s.room.Players[i].Missions {
			pm := &s.room.Players[i].Missions[j]
			if pm.Type != t {
				continue
			}
			pm.Decided = true
			pm.Validated = validated
			if validated {
				pm.PointsEarned = pm.Points
			} else {
				pm.PointsEarned = 0
			}
			updated++
		}
	}
	if updated == 0 {
		return domain.ErrMissionNotFound
	}
	return nil
}

func (s *memStore) DecideRoomEvent(ctx context.Context, roomCode, roomEventId string, winner domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.room.Events {
		e := &s.room.Events[i]
		if e.Id != roomEventId {
			continue
		}
		if e.AppearedAt == nil {
			return domain.ErrEventNotAppeared
		}
		if e.RedDecided {
			return domain.ErrEventAlreadyDecided
		}
		e.RedDecided = true
		e.RedValidated = winner == domain.TeamRed
		e.BlueValidated = winner == domain.TeamBlue
		if s.room.EventPausedAt != nil {
			s.room.TotalPaused += s.nowFn().Sub(*s.room.EventPausedAt)
			s.room.EventPausedAt = nil
		}
		return nil
	}
	return domain.ErrEventNotFound
}

func (s *memStore) SetWinnerTeam(ctx context.Context, code string, team domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room.ValidationStatus.Kind != domain.ValidationBonus || s.room.GameStopped {
		return domain.ErrInvalidTransition
	}
	s.room.WinnerTeam = &team
	return nil
}

func (s *memStore) FinalizeRoom(ctx context.Context, code string, from domain.ValidationState, hist domain.GameHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room.GameStopped || s.room.ValidationStatus != from {
		return domain.ErrInvalidTransition
	}
	s.room.GameStopped = true
	s.room.ValidationStatus = domain.Finalized()
	s.history = append(s.history, hist)
	return nil
}

func (s *memStore) IsCreator(ctx context.Context, token, roomCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roomCode != s.room.Code {
		return false, domain.ErrRoomNotFound
	}
	return token == s.room.CreatorToken, nil
}

// recordingPublisher captures published notification kinds.
type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (p *recordingPublisher) Publish(roomCode, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.kinds...)
}
