package storage

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eraoriginal/lol-missions-sub000/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRepo(ctx context.Context, connString string) (*PostgresRepo, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &PostgresRepo{pool: pool}, nil
}

func (pgr *PostgresRepo) Close() {
	pgr.pool.Close()
}

// GetRoomWithAssignments loads the full room read model: players in roster
// order with their assignments and pending choices, plus the event schedule.
func (pgr *PostgresRepo) GetRoomWithAssignments(ctx context.Context, code string) (domain.Room, error) {
	room := domain.Room{Code: code}

	var (
		pausedSeconds float64
		status        *string
		winner        *string
	)
	row := pgr.pool.QueryRow(ctx, `
		SELECT creator_token, game_map, game_started, game_stopped, game_start_time,
		       total_paused_seconds, event_paused_at, mid_mission_delay, late_mission_delay,
		       mission_choice_count, victory_bonus, validation_status, winner_team
		FROM rooms WHERE code = $1`, code)
	err := row.Scan(&room.CreatorToken, &room.GameMap, &room.GameStarted, &room.GameStopped,
		&room.GameStartTime, &pausedSeconds, &room.EventPausedAt, &room.MidMissionDelay,
		&room.LateMissionDelay, &room.MissionChoiceCount, &room.VictoryBonus, &status, &winner)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return domain.Room{}, domain.ErrRoomNotFound
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return domain.Room{}, err
		default:
			return domain.Room{}, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
	}
	room.TotalPaused = time.Duration(pausedSeconds * float64(time.Second))
	if status != nil {
		room.ValidationStatus, err = domain.ParseValidationState(*status)
		if err != nil {
			return domain.Room{}, err
		}
	}
	if winner != nil {
		t := domain.Team(*winner)
		room.WinnerTeam = &t
	}

	if err := pgr.loadPlayers(ctx, &room); err != nil {
		return domain.Room{}, err
	}
	if err := pgr.loadEvents(ctx, &room); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func (pgr *PostgresRepo) loadPlayers(ctx context.Context, room *domain.Room) error {
	rows, err := pgr.pool.Query(ctx, `
		SELECT id, name, team, token, position
		FROM players WHERE room_code = $1 ORDER BY position`, room.Code)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		p := domain.Player{RoomCode: room.Code}
		if err := rows.Scan(&p.Id, &p.Name, &p.Team, &p.Token, &p.Position); err != nil {
			return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		index[p.Id] = len(room.Players)
		room.Players = append(room.Players, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}

	missionRows, err := pgr.pool.Query(ctx, `
		SELECT pm.player_id, pm.mission_id, pm.mission_type, pm.resolved_text,
		       pm.decided, pm.validated, pm.points_earned, m.points, m.is_private
		FROM player_missions pm
		JOIN missions m ON m.id = pm.mission_id
		JOIN players p ON p.id = pm.player_id
		WHERE p.room_code = $1`, room.Code)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer missionRows.Close()

	for missionRows.Next() {
		var pm domain.PlayerMission
		err := missionRows.Scan(&pm.PlayerId, &pm.MissionId, &pm.Type, &pm.ResolvedText,
			&pm.Decided, &pm.Validated, &pm.PointsEarned, &pm.Points, &pm.IsPrivate)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		if i, ok := index[pm.PlayerId]; ok {
			room.Players[i].Missions = append(room.Players[i].Missions, pm)
		}
	}
	if err := missionRows.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}

	choiceRows, err := pgr.pool.Query(ctx, `
		SELECT pc.id, pc.player_id, pc.mission_id, pc.mission_type, pc.resolved_text, m.points
		FROM pending_mission_choices pc
		JOIN missions m ON m.id = pc.mission_id
		JOIN players p ON p.id = pc.player_id
		WHERE p.room_code = $1`, room.Code)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer choiceRows.Close()

	for choiceRows.Next() {
		var pc domain.PendingMissionChoice
		err := choiceRows.Scan(&pc.Id, &pc.PlayerId, &pc.MissionId, &pc.Type, &pc.ResolvedText, &pc.Points)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		if i, ok := index[pc.PlayerId]; ok {
			room.Players[i].PendingChoices = append(room.Players[i].PendingChoices, pc)
		}
	}
	return choiceRows.Err()
}

func (pgr *PostgresRepo) loadEvents(ctx context.Context, room *domain.Room) error {
	rows, err := pgr.pool.Query(ctx, `
		SELECT re.id, re.event_id, e.name, e.points, re.seq, re.scheduled_at,
		       re.appeared_at, re.red_decided, re.red_validated, re.blue_validated
		FROM room_events re
		JOIN events e ON e.id = re.event_id
		WHERE re.room_code = $1 ORDER BY re.seq`, room.Code)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer rows.Close()

	for rows.Next() {
		e := domain.RoomEvent{RoomCode: room.Code}
		err := rows.Scan(&e.Id, &e.EventId, &e.Name, &e.Points, &e.Seq, &e.ScheduledAt,
			&e.AppearedAt, &e.RedDecided, &e.RedValidated, &e.BlueValidated)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		room.Events = append(room.Events, e)
	}
	return rows.Err()
}

// MissionPool returns the catalog missions of the given type playable on
// the room's map. An empty maps column means the mission applies everywhere.
func (pgr *PostgresRepo) MissionPool(ctx context.Context, t domain.MissionType, gameMap string) ([]domain.Mission, error) {
	rows, err := pgr.pool.Query(ctx, `
		SELECT id, mission_type, category, difficulty, points, is_private, maps, player_placeholder, text
		FROM missions
		WHERE mission_type = $1 AND (maps = '{}' OR $2 = ANY(maps))`, string(t), gameMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer rows.Close()

	var pool []domain.Mission
	for rows.Next() {
		var m domain.Mission
		err := rows.Scan(&m.Id, &m.Type, &m.Category, &m.Difficulty, &m.Points,
			&m.IsPrivate, &m.Maps, &m.Placeholder, &m.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		pool = append(pool, m)
	}
	return pool, rows.Err()
}

// CreatePlayerMissions persists one phase's direct assignments in a single
// serializable transaction. The in-transaction existence check closes the
// race between a caller's pre-check and its write; the unique index on
// (player_id, mission_type) catches whatever slips through.
func (pgr *PostgresRepo) CreatePlayerMissions(ctx context.Context, roomCode string, t domain.MissionType, assignments []domain.PlayerMission) error {
	tx, err := pgr.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM player_missions pm
			JOIN players p ON p.id = pm.player_id
			WHERE p.room_code = $1 AND pm.mission_type = $2
		)`, roomCode, string(t)).Scan(&exists)
	if err != nil {
		return mapWriteError(err)
	}
	if exists {
		return domain.ErrAssignmentExists
	}

	for _, pm := range assignments {
		_, err := tx.Exec(ctx, `
			INSERT INTO player_missions (player_id, mission_id, mission_type, resolved_text)
			VALUES ($1, $2, $3, $4)`,
			pm.PlayerId, pm.MissionId, string(pm.Type), pm.ResolvedText)
		if err != nil {
			return mapWriteError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// CreatePendingChoices is the choice-mode counterpart of
// CreatePlayerMissions, with the same transactional shape.
func (pgr *PostgresRepo) CreatePendingChoices(ctx context.Context, roomCode string, t domain.MissionType, choices []domain.PendingMissionChoice) error {
	tx, err := pgr.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pending_mission_choices pc
			JOIN players p ON p.id = pc.player_id
			WHERE p.room_code = $1 AND pc.mission_type = $2
		)`, roomCode, string(t)).Scan(&exists)
	if err != nil {
		return mapWriteError(err)
	}
	if exists {
		return domain.ErrAssignmentExists
	}

	for _, pc := range choices {
		_, err := tx.Exec(ctx, `
			INSERT INTO pending_mission_choices (player_id, mission_id, mission_type, resolved_text)
			VALUES ($1, $2, $3, $4)`,
			pc.PlayerId, pc.MissionId, string(pc.Type), pc.ResolvedText)
		if err != nil {
			return mapWriteError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (pgr *PostgresRepo) EventCatalog(ctx context.Context) ([]domain.GameEvent, error) {
	rows, err := pgr.pool.Query(ctx, `SELECT id, name, points FROM events`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer rows.Close()

	var catalog []domain.GameEvent
	for rows.Next() {
		var e domain.GameEvent
		if err := rows.Scan(&e.Id, &e.Name, &e.Points); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		catalog = append(catalog, e)
	}
	return catalog, rows.Err()
}

// CreateEventSchedule writes the room's full event schedule exactly once,
// guarded by the (room_code, seq) uniqueness constraint.
func (pgr *PostgresRepo) CreateEventSchedule(ctx context.Context, roomCode string, events []domain.RoomEvent) error {
	tx, err := pgr.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_events WHERE room_code = $1)`, roomCode).Scan(&exists)
	if err != nil {
		return mapWriteError(err)
	}
	if exists {
		return domain.ErrAssignmentExists
	}

	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO room_events (room_code, event_id, seq, scheduled_at)
			VALUES ($1, $2, $3, $4)`,
			roomCode, e.EventId, e.Seq, e.ScheduledAt)
		if err != nil {
			return mapWriteError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// SurfaceDueEvents marks every scheduled-but-unappeared event whose time has
// come and pauses the room clock. Concurrent callers race on the
// appeared_at IS NULL predicate: exactly one sees the surfaced rows.
func (pgr *PostgresRepo) SurfaceDueEvents(ctx context.Context, roomCode string, elapsedSeconds int) ([]domain.RoomEvent, error) {
	tx, err := pgr.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE room_events re
		SET appeared_at = now()
		FROM events e
		WHERE e.id = re.event_id
		  AND re.room_code = $1 AND re.appeared_at IS NULL AND re.scheduled_at <= $2
		RETURNING re.id, re.event_id, e.name, e.points, re.seq, re.scheduled_at, re.appeared_at`,
		roomCode, elapsedSeconds)
	if err != nil {
		return nil, mapWriteError(err)
	}

	var surfaced []domain.RoomEvent
	for rows.Next() {
		e := domain.RoomEvent{RoomCode: roomCode}
		err := rows.Scan(&e.Id, &e.EventId, &e.Name, &e.Points, &e.Seq, &e.ScheduledAt, &e.AppearedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
		surfaced = append(surfaced, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}

	if len(surfaced) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE rooms SET event_paused_at = now()
			WHERE code = $1 AND event_paused_at IS NULL`, roomCode)
		if err != nil {
			return nil, mapWriteError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(err)
	}
	return surfaced, nil
}

// AdvanceValidationStatus moves the room's validation status with a
// compare-and-set on the previous value. A lost race or stale precondition
// surfaces as ErrInvalidTransition, never as a partial write.
func (pgr *PostgresRepo) AdvanceValidationStatus(ctx context.Context, code string, from, to domain.ValidationState) error {
	tag, err := pgr.pool.Exec(ctx, `
		UPDATE rooms SET validation_status = NULLIF($3, '')
		WHERE code = $1
		  AND validation_status IS NOT DISTINCT FROM NULLIF($2, '')
		  AND game_stopped = FALSE`,
		code, from.String(), to.String())
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return pgr.roomMissingOr(ctx, code, domain.ErrInvalidTransition)
	}
	return nil
}

// RecordMissionDecision stamps decided/validated on one assignment and
// recomputes points earned from the catalog points. Idempotent.
func (pgr *PostgresRepo) RecordMissionDecision(ctx context.Context, playerId string, t domain.MissionType, validated bool) error {
	tag, err := pgr.pool.Exec(ctx, `
		UPDATE player_missions pm
		SET decided = TRUE, validated = $3,
		    points_earned = CASE WHEN $3 THEN m.points ELSE 0 END
		FROM missions m
		WHERE m.id = pm.mission_id AND pm.player_id = $1 AND pm.mission_type = $2`,
		playerId, string(t), validated)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissionNotFound
	}
	return nil
}

// DecideRoomEvent records the ternary outcome of an appeared event exactly
// once and resumes the room clock if it was paused for the event.
func (pgr *PostgresRepo) DecideRoomEvent(ctx context.Context, roomCode, roomEventId string, winner domain.Team) error {
	tx, err := pgr.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE room_events
		SET red_decided = TRUE, red_validated = ($3 = 'red'), blue_validated = ($3 = 'blue')
		WHERE id = $2 AND room_code = $1 AND red_decided = FALSE AND appeared_at IS NOT NULL`,
		roomCode, roomEventId, string(winner))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		var decided bool
		var appearedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT red_decided, appeared_at FROM room_events WHERE id = $1 AND room_code = $2`,
			roomEventId, roomCode).Scan(&decided, &appearedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return domain.ErrEventNotFound
		case err != nil:
			return mapWriteError(err)
		case decided:
			return domain.ErrEventAlreadyDecided
		default:
			return domain.ErrEventNotAppeared
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE rooms
		SET total_paused_seconds = total_paused_seconds + EXTRACT(EPOCH FROM (now() - event_paused_at)),
		    event_paused_at = NULL
		WHERE code = $1 AND event_paused_at IS NOT NULL`, roomCode)
	if err != nil {
		return mapWriteError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (pgr *PostgresRepo) SetWinnerTeam(ctx context.Context, code string, team domain.Team) error {
	tag, err := pgr.pool.Exec(ctx, `
		UPDATE rooms SET winner_team = $2
		WHERE code = $1 AND validation_status = 'bonus_selection' AND game_stopped = FALSE`,
		code, string(team))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return pgr.roomMissingOr(ctx, code, domain.ErrInvalidTransition)
	}
	return nil
}

// FinalizeRoom stops the room and writes the immutable history snapshot in
// one transaction: both apply or neither does.
func (pgr *PostgresRepo) FinalizeRoom(ctx context.Context, code string, from domain.ValidationState, hist domain.GameHistory) error {
	tx, err := pgr.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rooms SET game_stopped = TRUE, validation_status = 'finalized'
		WHERE code = $1 AND game_stopped = FALSE
		  AND validation_status IS NOT DISTINCT FROM NULLIF($2, '')`,
		code, from.String())
	if err != nil {
		return mapFinalizeError(err)
	}
	if tag.RowsAffected() == 0 {
		return pgr.roomMissingOr(ctx, code, domain.ErrInvalidTransition)
	}

	var winner *string
	if hist.WinnerTeam != nil {
		w := string(*hist.WinnerTeam)
		winner = &w
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO game_histories (room_code, winner_team, red_score, blue_score, bonus_points, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		hist.RoomCode, winner, hist.RedScore, hist.BlueScore, hist.BonusPoint, hist.Snapshot)
	if err != nil {
		return mapFinalizeError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapFinalizeError(err)
	}
	return nil
}

// IsCreator compares the presented token against the room's creator token.
func (pgr *PostgresRepo) IsCreator(ctx context.Context, token, roomCode string) (bool, error) {
	var creatorToken string
	err := pgr.pool.QueryRow(ctx,
		`SELECT creator_token FROM rooms WHERE code = $1`, roomCode).Scan(&creatorToken)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return false, domain.ErrRoomNotFound
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return false, err
		default:
			return false, fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(creatorToken)) == 1, nil
}

func (pgr *PostgresRepo) roomMissingOr(ctx context.Context, code string, fallback error) error {
	var exists bool
	err := pgr.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
	}
	if !exists {
		return domain.ErrRoomNotFound
	}
	return fallback
}

// mapWriteError folds pg error codes into domain sentinels. A unique
// violation means a concurrent writer won; a serialization failure is
// treated the same way, since the caller re-reads the winner's result
// afterwards either way.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation || pgErr.Code == pgSerializationFailure {
			return domain.ErrAssignmentExists
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.UnexpectedDatabaseError, err)
}

// mapFinalizeError is mapWriteError for the finalize transaction, where a
// lost serialization race means another transition committed first, not that
// an assignment already exists. Callers see it as a stale precondition.
func mapFinalizeError(err error) error {
	err = mapWriteError(err)
	if errors.Is(err, domain.ErrAssignmentExists) {
		return domain.ErrInvalidTransition
	}
	return err
}
