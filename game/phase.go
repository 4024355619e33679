package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/eraoriginal/lol-missions-sub000/domain"
	"github.com/rs/zerolog"
)

type AttemptStatus string

const (
	StatusNotYet      AttemptStatus = "not_yet"
	StatusAlreadyDone AttemptStatus = "already_done"
	StatusAssigned    AttemptStatus = "assigned"
)

type AttemptResult struct {
	Status   AttemptStatus `json:"status"`
	Elapsed  int           `json:"elapsed"`
	Required int           `json:"required"`
}

const (
	defaultVerifyAttempts = 5
	defaultVerifyBackoff  = 100 * time.Millisecond
	eventsPerGame         = 2
)

// PhaseCoordinator turns redundant, untrusted client timer calls into
// at-most-one content write per room per phase. Mutual exclusion comes from
// the store's transactions and the (player, type) uniqueness constraint,
// never from in-process locks.
type PhaseCoordinator struct {
	store     PhaseStore
	publisher Publisher
	logger    zerolog.Logger

	newRand        func() *rand.Rand
	nowFn          func() time.Time
	verifyAttempts int
	verifyBackoff  time.Duration
}

func NewPhaseCoordinator(store PhaseStore, publisher Publisher, logger zerolog.Logger) *PhaseCoordinator {
	return &PhaseCoordinator{
		store:     store,
		publisher: publisher,
		logger:    logger,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
		nowFn:          time.Now,
		verifyAttempts: defaultVerifyAttempts,
		verifyBackoff:  defaultVerifyBackoff,
	}
}

// AttemptPhase checks whether the room's game clock has passed the given
// phase threshold and, if so, assigns that phase's content exactly once.
// Losing a race to a concurrent caller is reported as already_done, not as
// an error.
func (pc *PhaseCoordinator) AttemptPhase(ctx context.Context, roomCode string, phase domain.Phase) (AttemptResult, error) {
	room, err := pc.store.GetRoomWithAssignments(ctx, roomCode)
	if err != nil {
		return AttemptResult{}, err
	}
	if !room.GameStarted {
		return AttemptResult{}, domain.ErrGameNotStarted
	}
	if room.GameStopped {
		return AttemptResult{}, domain.ErrGameStopped
	}

	elapsed := int(room.EffectiveElapsed(pc.nowFn()).Seconds())

	switch phase {
	case domain.PhaseMid:
		return pc.attemptMissionPhase(ctx, room, domain.MissionMid, room.MidMissionDelay, elapsed, KindMidMissionsAssigned)
	case domain.PhaseLate:
		return pc.attemptMissionPhase(ctx, room, domain.MissionLate, room.LateMissionDelay, elapsed, KindLateMissionsAssigned)
	case domain.PhaseEvent:
		return pc.attemptEventPhase(ctx, room, elapsed)
	default:
		return AttemptResult{}, fmt.Errorf("unknown phase %q", phase)
	}
}

func (pc *PhaseCoordinator) attemptMissionPhase(ctx context.Context, room domain.Room, t domain.MissionType, required, elapsed int, kind string) (AttemptResult, error) {
	res := AttemptResult{Elapsed: elapsed, Required: required}

	if elapsed < required {
		res.Status = StatusNotYet
		return res, nil
	}

	if room.HasAssignment(t) {
		res.Status = StatusAlreadyDone
		pc.publisher.Publish(room.Code, kind)
		return res, nil
	}

	pool, err := pc.store.MissionPool(ctx, t, room.GameMap)
	if err != nil {
		return res, err
	}

	rnd := pc.newRand()
	var writeErr error
	if room.MissionChoiceCount > 1 {
		offers, err := AssignChoices(rnd, room.Players, pool, room.MissionChoiceCount, t)
		if err != nil {
			return res, err
		}
		rows := make([]domain.PendingMissionChoice, 0, len(offers)*room.MissionChoiceCount)
		for _, playerOffers := range offers {
			rows = append(rows, playerOffers...)
		}
		writeErr = pc.store.CreatePendingChoices(ctx, room.Code, t, rows)
	} else {
		assigned, err := AssignDirect(rnd, room.Players, pool, t)
		if err != nil {
			return res, err
		}
		rows := make([]domain.PlayerMission, 0, len(assigned))
		for _, pm := range assigned {
			rows = append(rows, pm)
		}
		writeErr = pc.store.CreatePlayerMissions(ctx, room.Code, t, rows)
	}

	switch {
	case writeErr == nil:
		res.Status = StatusAssigned
	case errors.Is(writeErr, domain.ErrAssignmentExists):
		// A concurrent caller won the race. Its content is the result.
		res.Status = StatusAlreadyDone
	default:
		return res, writeErr
	}

	if err := pc.verifyComplete(ctx, room, t); err != nil {
		pc.logger.Error().Err(err).
			Str("room", room.Code).
			Str("type", string(t)).
			Msg("phase assignment incomplete after retries")
		return res, err
	}

	pc.publisher.Publish(room.Code, kind)
	pc.logger.Info().
		Str("room", room.Code).
		Str("type", string(t)).
		Str("status", string(res.Status)).
		Msg("phase transition observed")
	return res, nil
}

// verifyComplete re-reads the room until every player holds the phase's
// content. A concurrent winner's transaction may be visible before all its
// rows are, so a bounded retry bridges that window. Failing after the
// retries is a hard error: the pool was too small or a write partially
// failed, and silence would under-assign.
func (pc *PhaseCoordinator) verifyComplete(ctx context.Context, room domain.Room, t domain.MissionType) error {
	for attempt := 0; attempt < pc.verifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(pc.verifyBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		current, err := pc.store.GetRoomWithAssignments(ctx, room.Code)
		if err != nil {
			continue
		}
		if assignmentComplete(current, t) {
			return nil
		}
	}
	return fmt.Errorf("%w: room %s type %s", domain.ErrIncompleteAssignment, room.Code, t)
}

func assignmentComplete(room domain.Room, t domain.MissionType) bool {
	if room.MissionChoiceCount > 1 {
		for _, p := range room.RosteredPlayers() {
			count := 0
			for _, choice := range p.PendingChoices {
				if choice.Type == t {
					count++
				}
			}
			if count < room.MissionChoiceCount {
				return false
			}
		}
		return true
	}

	for _, p := range room.Players {
		found := false
		for _, pm := range p.Missions {
			if pm.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// attemptEventPhase lazily creates the room's event schedule exactly once
// (guarded by the (room, seq) uniqueness constraint), then surfaces any due
// event and pauses the game clock until it is decided.
func (pc *PhaseCoordinator) attemptEventPhase(ctx context.Context, room domain.Room, elapsed int) (AttemptResult, error) {
	res := AttemptResult{Elapsed: elapsed}

	if len(room.Events) == 0 {
		catalog, err := pc.store.EventCatalog(ctx)
		if err != nil {
			return res, err
		}
		schedule := ScheduleEvents(pc.newRand(), catalog, eventsPerGame, room.MidMissionDelay/2, room.LateMissionDelay)
		if len(schedule) == 0 {
			res.Status = StatusAlreadyDone
			return res, nil
		}
		err = pc.store.CreateEventSchedule(ctx, room.Code, schedule)
		if err != nil && !errors.Is(err, domain.ErrAssignmentExists) {
			return res, err
		}
		room, err = pc.store.GetRoomWithAssignments(ctx, room.Code)
		if err != nil {
			return res, err
		}
	}

	surfaced, err := pc.store.SurfaceDueEvents(ctx, room.Code, elapsed)
	if err != nil {
		return res, err
	}
	if len(surfaced) > 0 {
		res.Status = StatusAssigned
		pc.publisher.Publish(room.Code, KindEventAppeared)
		pc.logger.Info().
			Str("room", room.Code).
			Int("count", len(surfaced)).
			Msg("events surfaced")
		return res, nil
	}

	if next, ok := nextUnappeared(room.Events); ok {
		res.Status = StatusNotYet
		res.Required = next.ScheduledAt
		return res, nil
	}

	res.Status = StatusAlreadyDone
	pc.publisher.Publish(room.Code, KindEventAppeared)
	return res, nil
}

func nextUnappeared(events []domain.RoomEvent) (domain.RoomEvent, bool) {
	var next domain.RoomEvent
	found := false
	for _, e := range events {
		if e.Appeared() {
			continue
		}
		if !found || e.ScheduledAt < next.ScheduledAt {
			next = e
			found = true
		}
	}
	return next, found
}
