package game

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/eraoriginal/lol-missions-sub000/domain"
	"github.com/rs/zerolog"
)

const (
	bonusPointsMin = 10
	bonusPointsMax = 30
)

// ValidationCoordinator drives the post-game validation state machine. Only
// the room creator may request transitions; every transition is a
// conditional store write, so spectators polling the status only ever see a
// forward-moving sequence.
type ValidationCoordinator struct {
	store     ValidationStore
	creds     CredentialChecker
	publisher Publisher
	logger    zerolog.Logger
	newRand   func() *rand.Rand
}

func NewValidationCoordinator(store ValidationStore, creds CredentialChecker, publisher Publisher, logger zerolog.Logger) *ValidationCoordinator {
	return &ValidationCoordinator{
		store:     store,
		creds:     creds,
		publisher: publisher,
		logger:    logger,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

func (vc *ValidationCoordinator) requireCreator(ctx context.Context, token, roomCode string) error {
	ok, err := vc.creds.IsCreator(ctx, token, roomCode)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotCreator
	}
	return nil
}

// Advance moves the room's validation status to target. The target must be
// exactly the next state the machine allows from the current one; anything
// else is rejected without a state change.
func (vc *ValidationCoordinator) Advance(ctx context.Context, token, roomCode string, target domain.ValidationState) error {
	if err := vc.requireCreator(ctx, token, roomCode); err != nil {
		return err
	}

	room, err := vc.store.GetRoomWithAssignments(ctx, roomCode)
	if err != nil {
		return err
	}
	if room.GameStopped {
		return domain.ErrGameStopped
	}

	next, err := nextValidationState(room)
	if err != nil {
		return err
	}
	if next != target {
		return fmt.Errorf("%w: from %q the next state is %q, not %q",
			domain.ErrInvalidTransition, room.ValidationStatus.String(), next.String(), target.String())
	}

	if err := vc.store.AdvanceValidationStatus(ctx, roomCode, room.ValidationStatus, next); err != nil {
		return err
	}

	vc.publisher.Publish(roomCode, KindValidationAdvanced)
	vc.logger.Info().
		Str("room", roomCode).
		Str("status", next.String()).
		Msg("validation advanced")
	return nil
}

// RecordDecision marks one of the current player's missions as validated or
// failed. It may be re-sent idempotently while the player stays current.
func (vc *ValidationCoordinator) RecordDecision(ctx context.Context, token, roomCode, playerId string, t domain.MissionType, validated bool) error {
	if err := vc.requireCreator(ctx, token, roomCode); err != nil {
		return err
	}

	room, err := vc.store.GetRoomWithAssignments(ctx, roomCode)
	if err != nil {
		return err
	}

	current, err := currentPlayer(room)
	if err != nil {
		return err
	}
	if current.Id != playerId {
		return fmt.Errorf("%w: player %s is not current", domain.ErrInvalidTransition, playerId)
	}

	if err := vc.store.RecordMissionDecision(ctx, playerId, t, validated); err != nil {
		return err
	}

	vc.publisher.Publish(roomCode, KindMissionDecided)
	return nil
}

// DecideEvent records the ternary outcome of an appeared event. Mid-game it
// also resumes the paused clock; during events_validation it settles events
// the game ended on. Each event accepts exactly one decision.
func (vc *ValidationCoordinator) DecideEvent(ctx context.Context, token, roomCode, roomEventId string, winner domain.Team) error {
	if err := vc.requireCreator(ctx, token, roomCode); err != nil {
		return err
	}

	room, err := vc.store.GetRoomWithAssignments(ctx, roomCode)
	if err != nil {
		return err
	}
	status := room.ValidationStatus
	if !status.IsIdle() && status.Kind != domain.ValidationEvents {
		return fmt.Errorf("%w: events cannot be decided in state %q", domain.ErrInvalidTransition, status.String())
	}

	if winner != domain.TeamRed && winner != domain.TeamBlue && winner != domain.TeamNone {
		return fmt.Errorf("%w: unknown team %q", domain.ErrInvalidTransition, winner)
	}

	if err := vc.store.DecideRoomEvent(ctx, roomCode, roomEventId, winner); err != nil {
		return err
	}

	vc.publisher.Publish(roomCode, KindEventDecided)
	return nil
}

// SelectBonusWinner records which team takes the victory bonus. Only legal
// while the room sits in bonus_selection.
func (vc *ValidationCoordinator) SelectBonusWinner(ctx context.Context, token, roomCode string, team domain.Team) error {
	if err := vc.requireCreator(ctx, token, roomCode); err != nil {
		return err
	}

	if !team.Rostered() {
		return fmt.Errorf("%w: winner must be red or blue", domain.ErrInvalidTransition)
	}

	room, err := vc.store.GetRoomWithAssignments(ctx, roomCode)
	if err != nil {
		return err
	}
	if room.ValidationStatus.Kind != domain.ValidationBonus {
		return fmt.Errorf("%w: bonus winner requires bonus_selection, got %q",
			domain.ErrInvalidTransition, room.ValidationStatus.String())
	}

	if err := vc.store.SetWinnerTeam(ctx, roomCode, team); err != nil {
		return err
	}

	vc.publisher.Publish(roomCode, KindWinnerSelected)
	return nil
}

// Finalize writes the immutable game history snapshot and stops the room.
// It is legal only once every required validation step is satisfied, and it
// either fully applies or leaves the room untouched.
func (vc *ValidationCoordinator) Finalize(ctx context.Context, token, roomCode string) error {
	if err := vc.requireCreator(ctx, token, roomCode); err != nil {
		return err
	}

	room, err := vc.store.GetRoomWithAssignments(ctx, roomCode)
	if err != nil {
		return err
	}
	if room.GameStopped {
		return domain.ErrGameStopped
	}

	if err := checkFinalizable(room); err != nil {
		return err
	}

	redScore, blueScore := teamScores(room)
	bonus := 0
	if room.VictoryBonus && room.WinnerTeam != nil {
		bonus = bonusPointsMin + vc.newRand().Intn(bonusPointsMax-bonusPointsMin+1)
		switch *room.WinnerTeam {
		case domain.TeamRed:
			redScore += bonus
		case domain.TeamBlue:
			blueScore += bonus
		}
	}

	snapshot, err := json.Marshal(room)
	if err != nil {
		return err
	}
	hist := domain.GameHistory{
		RoomCode:   roomCode,
		WinnerTeam: room.WinnerTeam,
		RedScore:   redScore,
		BlueScore:  blueScore,
		BonusPoint: bonus,
		Snapshot:   snapshot,
	}

	if err := vc.store.FinalizeRoom(ctx, roomCode, room.ValidationStatus, hist); err != nil {
		return err
	}

	vc.publisher.Publish(roomCode, KindGameFinalized)
	vc.logger.Info().
		Str("room", roomCode).
		Int("red", redScore).
		Int("blue", blueScore).
		Int("bonus", bonus).
		Msg("game finalized")
	return nil
}

// nextValidationState computes the only state the machine may move to from
// where the room currently stands, verifying the current state's exit
// condition along the way.
func nextValidationState(room domain.Room) (domain.ValidationState, error) {
	status := room.ValidationStatus

	switch status.Kind {
	case domain.ValidationIdle:
		if len(room.Players) == 0 {
			return domain.Idle(), fmt.Errorf("%w: no players to validate", domain.ErrInvalidTransition)
		}
		return domain.InProgress(0), nil

	case domain.ValidationInProgress:
		i := status.PlayerIndex
		if i >= len(room.Players) {
			return domain.Idle(), fmt.Errorf("%w: player index %d out of range", domain.ErrInvalidTransition, i)
		}
		if !playerDecided(room.Players[i]) {
			return domain.Idle(), fmt.Errorf("%w: player %s has undecided missions",
				domain.ErrInvalidTransition, room.Players[i].Id)
		}
		if i+1 < len(room.Players) {
			return domain.InProgress(i + 1), nil
		}
		if anyEventAppeared(room) {
			return domain.EventsValidation(), nil
		}
		if room.VictoryBonus {
			return domain.BonusSelection(), nil
		}
		return domain.Idle(), fmt.Errorf("%w: all steps done, call finalize", domain.ErrInvalidTransition)

	case domain.ValidationEvents:
		if !appearedEventsDecided(room) {
			return domain.Idle(), fmt.Errorf("%w: undecided events remain", domain.ErrInvalidTransition)
		}
		if room.VictoryBonus {
			return domain.BonusSelection(), nil
		}
		return domain.Idle(), fmt.Errorf("%w: all steps done, call finalize", domain.ErrInvalidTransition)

	default:
		return domain.Idle(), fmt.Errorf("%w: no transition from %q", domain.ErrInvalidTransition, status.String())
	}
}

// checkFinalizable verifies the room sits in its last required validation
// state with every decision recorded.
func checkFinalizable(room domain.Room) error {
	for _, p := range room.Players {
		if !playerDecided(p) {
			return fmt.Errorf("%w: player %s has undecided missions", domain.ErrInvalidTransition, p.Id)
		}
	}
	if !appearedEventsDecided(room) {
		return fmt.Errorf("%w: undecided events remain", domain.ErrInvalidTransition)
	}

	expected := finalState(room)
	if room.ValidationStatus != expected {
		return fmt.Errorf("%w: finalize requires state %q, got %q",
			domain.ErrInvalidTransition, expected.String(), room.ValidationStatus.String())
	}
	if room.VictoryBonus && room.WinnerTeam == nil {
		return fmt.Errorf("%w: no bonus winner selected", domain.ErrInvalidTransition)
	}
	return nil
}

func finalState(room domain.Room) domain.ValidationState {
	if room.VictoryBonus {
		return domain.BonusSelection()
	}
	if anyEventAppeared(room) {
		return domain.EventsValidation()
	}
	if len(room.Players) > 0 {
		return domain.InProgress(len(room.Players) - 1)
	}
	return domain.Idle()
}

func currentPlayer(room domain.Room) (domain.Player, error) {
	status := room.ValidationStatus
	if status.Kind != domain.ValidationInProgress {
		return domain.Player{}, fmt.Errorf("%w: no player is current in state %q",
			domain.ErrInvalidTransition, status.String())
	}
	if status.PlayerIndex >= len(room.Players) {
		return domain.Player{}, fmt.Errorf("%w: player index %d out of range",
			domain.ErrInvalidTransition, status.PlayerIndex)
	}
	return room.Players[status.PlayerIndex], nil
}

func playerDecided(p domain.Player) bool {
	for _, pm := range p.Missions {
		if !pm.Decided {
			return false
		}
	}
	return true
}

func anyEventAppeared(room domain.Room) bool {
	for _, e := range room.Events {
		if e.Appeared() {
			return true
		}
	}
	return false
}

func appearedEventsDecided(room domain.Room) bool {
	for _, e := range room.Events {
		if e.Appeared() && !e.RedDecided {
			return false
		}
	}
	return true
}

func teamScores(room domain.Room) (red, blue int) {
	for _, p := range room.Players {
		for _, pm := range p.Missions {
			switch p.Team {
			case domain.TeamRed:
				red += pm.PointsEarned
			case domain.TeamBlue:
				blue += pm.PointsEarned
			}
		}
	}
	for _, e := range room.Events {
		if e.RedValidated {
			red += e.Points
		}
		if e.BlueValidated {
			blue += e.Points
		}
	}
	return red, blue
}
