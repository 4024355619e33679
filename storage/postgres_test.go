package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eraoriginal/lol-missions-sub000/domain"
	"github.com/eraoriginal/lol-missions-sub000/migrations"
	"github.com/eraoriginal/lol-missions-sub000/storage"
)

var repo *storage.PostgresRepo

func TestMain(m *testing.M) {
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine3.22",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testusername"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
	if err != nil {
		panic(err)
	}

	connString, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}

	if err := migrations.Migrate(connString); err != nil {
		panic(err)
	}

	repo, err = storage.NewPostgresRepo(ctx, connString)
	if err != nil {
		panic(err)
	}

	code := m.Run()

	// Cleanup
	postgresContainer.Terminate(ctx)
	os.Exit(code)
}

func seedRoom(t *testing.T, ctx context.Context, code string) {
	t.Helper()
	_, err := repo.GetPool().Exec(ctx, `
		INSERT INTO rooms (code, creator_token, game_started, game_start_time, mid_mission_delay, late_mission_delay)
		VALUES ($1, 'creator-token', TRUE, now() - interval '20 minutes', 300, 900)`, code)
	require.NoError(t, err)
}

func seedPlayer(t *testing.T, ctx context.Context, roomCode, name, team string, position int) string {
	t.Helper()
	var id string
	err := repo.GetPool().QueryRow(ctx, `
		INSERT INTO players (room_code, name, team, token, position)
		VALUES ($1, $2, $3, $2 || '-token', $4) RETURNING id`,
		roomCode, name, team, position).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedMission(t *testing.T, ctx context.Context, missionType string, points int, text string) string {
	t.Helper()
	var id string
	err := repo.GetPool().QueryRow(ctx, `
		INSERT INTO missions (mission_type, points, text)
		VALUES ($1, $2, $3) RETURNING id`,
		missionType, points, text).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedEvent(t *testing.T, ctx context.Context, name string, points int) string {
	t.Helper()
	var id string
	err := repo.GetPool().QueryRow(ctx,
		`INSERT INTO events (name, points) VALUES ($1, $2) RETURNING id`,
		name, points).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestGetRoomWithAssignments(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "READ1")
	aliceId := seedPlayer(t, ctx, "READ1", "alice", "red", 0)
	bobId := seedPlayer(t, ctx, "READ1", "bob", "blue", 1)
	missionId := seedMission(t, ctx, "MID", 15, "ward the river")
	choiceId := seedMission(t, ctx, "LATE", 25, "steal the buff")

	require.NoError(t, repo.CreatePlayerMissions(ctx, "READ1", domain.MissionMid, []domain.PlayerMission{
		{PlayerId: aliceId, MissionId: missionId, Type: domain.MissionMid, ResolvedText: "ward the river"},
	}))
	require.NoError(t, repo.CreatePendingChoices(ctx, "READ1", domain.MissionLate, []domain.PendingMissionChoice{
		{PlayerId: bobId, MissionId: choiceId, Type: domain.MissionLate, ResolvedText: "steal the buff"},
	}))

	t.Run("full read model", func(t *testing.T) {
		room, err := repo.GetRoomWithAssignments(ctx, "READ1")
		require.NoError(t, err)

		assert.Equal(t, "READ1", room.Code)
		assert.Equal(t, "creator-token", room.CreatorToken)
		assert.True(t, room.GameStarted)
		assert.Equal(t, 300, room.MidMissionDelay)
		assert.True(t, room.ValidationStatus.IsIdle(), "NULL status reads back as idle")

		require.Len(t, room.Players, 2)
		assert.Equal(t, "alice", room.Players[0].Name, "players come back in roster order")
		assert.Equal(t, "bob", room.Players[1].Name)

		require.Len(t, room.Players[0].Missions, 1)
		pm := room.Players[0].Missions[0]
		assert.Equal(t, missionId, pm.MissionId)
		assert.Equal(t, "ward the river", pm.ResolvedText)
		assert.Equal(t, 15, pm.Points, "catalog points ride along")
		assert.False(t, pm.Decided)

		require.Len(t, room.Players[1].PendingChoices, 1)
		assert.Equal(t, 25, room.Players[1].PendingChoices[0].Points)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := repo.GetRoomWithAssignments(ctx, "GHOST")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})

	t.Run("elapsed time accounts for pauses", func(t *testing.T) {
		_, err := repo.GetPool().Exec(ctx,
			`UPDATE rooms SET total_paused_seconds = 120 WHERE code = 'READ1'`)
		require.NoError(t, err)

		room, err := repo.GetRoomWithAssignments(ctx, "READ1")
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, room.TotalPaused)

		elapsed := room.EffectiveElapsed(time.Now())
		assert.InDelta(t, (18 * time.Minute).Seconds(), elapsed.Seconds(), 5)
	})
}

func TestMissionPool(t *testing.T) {
	ctx := context.Background()
	everywhereId := seedMission(t, ctx, "START", 5, "win the coin flip")
	var riftOnlyId string
	err := repo.GetPool().QueryRow(ctx, `
		INSERT INTO missions (mission_type, points, maps, text)
		VALUES ('START', 5, '{summoners_rift}', 'take first blood') RETURNING id`).Scan(&riftOnlyId)
	require.NoError(t, err)

	pool, err := repo.MissionPool(ctx, domain.MissionStart, "summoners_rift")
	require.NoError(t, err)
	ids := make([]string, 0, len(pool))
	for _, m := range pool {
		ids = append(ids, m.Id)
	}
	assert.Contains(t, ids, everywhereId)
	assert.Contains(t, ids, riftOnlyId)

	pool, err = repo.MissionPool(ctx, domain.MissionStart, "howling_abyss")
	require.NoError(t, err)
	ids = ids[:0]
	for _, m := range pool {
		ids = append(ids, m.Id)
	}
	assert.Contains(t, ids, everywhereId, "empty maps list applies everywhere")
	assert.NotContains(t, ids, riftOnlyId)
}

func TestCreatePlayerMissions_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "RACE1")
	playerId := seedPlayer(t, ctx, "RACE1", "alice", "red", 0)
	first := seedMission(t, ctx, "MID", 10, "first")
	second := seedMission(t, ctx, "MID", 10, "second")

	require.NoError(t, repo.CreatePlayerMissions(ctx, "RACE1", domain.MissionMid, []domain.PlayerMission{
		{PlayerId: playerId, MissionId: first, Type: domain.MissionMid, ResolvedText: "first"},
	}))

	err := repo.CreatePlayerMissions(ctx, "RACE1", domain.MissionMid, []domain.PlayerMission{
		{PlayerId: playerId, MissionId: second, Type: domain.MissionMid, ResolvedText: "second"},
	})
	assert.ErrorIs(t, err, domain.ErrAssignmentExists)

	room, err := repo.GetRoomWithAssignments(ctx, "RACE1")
	require.NoError(t, err)
	require.Len(t, room.Players[0].Missions, 1)
	assert.Equal(t, first, room.Players[0].Missions[0].MissionId, "loser's rows must not land")
}

func TestCreatePlayerMissions_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "RACE2")
	playerId := seedPlayer(t, ctx, "RACE2", "alice", "red", 0)

	const writers = 4
	missionIds := make([]string, writers)
	for i := range missionIds {
		missionIds[i] = seedMission(t, ctx, "LATE", 10, "contender")
	}

	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(missionId string) {
			defer wg.Done()
			errs <- repo.CreatePlayerMissions(ctx, "RACE2", domain.MissionLate, []domain.PlayerMission{
				{PlayerId: playerId, MissionId: missionId, Type: domain.MissionLate, ResolvedText: "contender"},
			})
		}(missionIds[i])
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, domain.ErrAssignmentExists)
		}
	}
	assert.Equal(t, 1, winners, "exactly one writer commits")

	room, err := repo.GetRoomWithAssignments(ctx, "RACE2")
	require.NoError(t, err)
	count := 0
	for _, pm := range room.Players[0].Missions {
		if pm.Type == domain.MissionLate {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// Unlike direct assignments, pending choices have no one-per-type unique
// index: two writers with disjoint offer sets would both satisfy the schema.
// Exactly-once rests on the serializable transactions alone, so pin it.
func TestCreatePendingChoices_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "RACE3")
	playerIds := []string{
		seedPlayer(t, ctx, "RACE3", "alice", "red", 0),
		seedPlayer(t, ctx, "RACE3", "bob", "blue", 1),
	}
	const choicesPerPlayer = 2

	const writers = 4
	offerSets := make([][]domain.PendingMissionChoice, writers)
	for w := range offerSets {
		for _, playerId := range playerIds {
			for c := 0; c < choicesPerPlayer; c++ {
				missionId := seedMission(t, ctx, "MID", 10, "pick me")
				offerSets[w] = append(offerSets[w], domain.PendingMissionChoice{
					PlayerId:     playerId,
					MissionId:    missionId,
					Type:         domain.MissionMid,
					ResolvedText: "pick me",
				})
			}
		}
	}

	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(offers []domain.PendingMissionChoice) {
			defer wg.Done()
			errs <- repo.CreatePendingChoices(ctx, "RACE3", domain.MissionMid, offers)
		}(offerSets[w])
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, domain.ErrAssignmentExists)
		}
	}
	assert.Equal(t, 1, winners, "exactly one offer set commits")

	room, err := repo.GetRoomWithAssignments(ctx, "RACE3")
	require.NoError(t, err)
	total := 0
	for _, p := range room.Players {
		count := 0
		for _, pc := range p.PendingChoices {
			if pc.Type == domain.MissionMid {
				count++
			}
		}
		assert.Equal(t, choicesPerPlayer, count, "player %s", p.Id)
		total += count
	}
	assert.Equal(t, len(playerIds)*choicesPerPlayer, total, "no second offer set may leak rows")
}

func TestAdvanceValidationStatus(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "ADV1")

	t.Run("compare and set from idle", func(t *testing.T) {
		err := repo.AdvanceValidationStatus(ctx, "ADV1", domain.Idle(), domain.InProgress(0))
		require.NoError(t, err)

		room, err := repo.GetRoomWithAssignments(ctx, "ADV1")
		require.NoError(t, err)
		assert.Equal(t, domain.InProgress(0), room.ValidationStatus)
	})

	t.Run("stale precondition is rejected", func(t *testing.T) {
		err := repo.AdvanceValidationStatus(ctx, "ADV1", domain.Idle(), domain.InProgress(0))
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("advance along the chain", func(t *testing.T) {
		err := repo.AdvanceValidationStatus(ctx, "ADV1", domain.InProgress(0), domain.EventsValidation())
		require.NoError(t, err)

		room, err := repo.GetRoomWithAssignments(ctx, "ADV1")
		require.NoError(t, err)
		assert.Equal(t, domain.EventsValidation(), room.ValidationStatus)
	})

	t.Run("unknown room", func(t *testing.T) {
		err := repo.AdvanceValidationStatus(ctx, "GHOST", domain.Idle(), domain.InProgress(0))
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})
}

func TestRecordMissionDecision(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "DEC1")
	playerId := seedPlayer(t, ctx, "DEC1", "alice", "red", 0)
	missionId := seedMission(t, ctx, "MID", 40, "solo kill")
	require.NoError(t, repo.CreatePlayerMissions(ctx, "DEC1", domain.MissionMid, []domain.PlayerMission{
		{PlayerId: playerId, MissionId: missionId, Type: domain.MissionMid, ResolvedText: "solo kill"},
	}))

	require.NoError(t, repo.RecordMissionDecision(ctx, playerId, domain.MissionMid, true))
	room, err := repo.GetRoomWithAssignments(ctx, "DEC1")
	require.NoError(t, err)
	pm := room.Players[0].Missions[0]
	assert.True(t, pm.Decided)
	assert.True(t, pm.Validated)
	assert.Equal(t, 40, pm.PointsEarned, "points come from the catalog")

	// Overturning the decision zeroes the points again.
	require.NoError(t, repo.RecordMissionDecision(ctx, playerId, domain.MissionMid, false))
	room, err = repo.GetRoomWithAssignments(ctx, "DEC1")
	require.NoError(t, err)
	pm = room.Players[0].Missions[0]
	assert.True(t, pm.Decided)
	assert.False(t, pm.Validated)
	assert.Zero(t, pm.PointsEarned)

	err = repo.RecordMissionDecision(ctx, playerId, domain.MissionStart, true)
	assert.ErrorIs(t, err, domain.ErrMissionNotFound)
}

func TestEventScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "EVT1")
	baronId := seedEvent(t, ctx, "baron", 20)
	dragonId := seedEvent(t, ctx, "dragon", 10)

	schedule := []domain.RoomEvent{
		{EventId: baronId, Seq: 0, ScheduledAt: 60},
		{EventId: dragonId, Seq: 1, ScheduledAt: 3600},
	}
	require.NoError(t, repo.CreateEventSchedule(ctx, "EVT1", schedule))
	assert.ErrorIs(t, repo.CreateEventSchedule(ctx, "EVT1", schedule), domain.ErrAssignmentExists,
		"the schedule is written at most once")

	t.Run("surface due events pauses the clock", func(t *testing.T) {
		surfaced, err := repo.SurfaceDueEvents(ctx, "EVT1", 120)
		require.NoError(t, err)
		require.Len(t, surfaced, 1)
		assert.Equal(t, baronId, surfaced[0].EventId)
		assert.NotNil(t, surfaced[0].AppearedAt)

		room, err := repo.GetRoomWithAssignments(ctx, "EVT1")
		require.NoError(t, err)
		assert.NotNil(t, room.EventPausedAt)

		again, err := repo.SurfaceDueEvents(ctx, "EVT1", 120)
		require.NoError(t, err)
		assert.Empty(t, again, "an appeared event never surfaces twice")
	})

	t.Run("decide resumes the clock", func(t *testing.T) {
		room, err := repo.GetRoomWithAssignments(ctx, "EVT1")
		require.NoError(t, err)
		appearedId := room.Events[0].Id
		pendingId := room.Events[1].Id

		require.NoError(t, repo.DecideRoomEvent(ctx, "EVT1", appearedId, domain.TeamRed))

		room, err = repo.GetRoomWithAssignments(ctx, "EVT1")
		require.NoError(t, err)
		assert.Nil(t, room.EventPausedAt)
		assert.True(t, room.Events[0].RedDecided)
		assert.True(t, room.Events[0].RedValidated)
		assert.False(t, room.Events[0].BlueValidated)

		assert.ErrorIs(t, repo.DecideRoomEvent(ctx, "EVT1", appearedId, domain.TeamBlue),
			domain.ErrEventAlreadyDecided)
		assert.ErrorIs(t, repo.DecideRoomEvent(ctx, "EVT1", pendingId, domain.TeamRed),
			domain.ErrEventNotAppeared)
		assert.ErrorIs(t, repo.DecideRoomEvent(ctx, "EVT1", "00000000-0000-0000-0000-000000000000", domain.TeamRed),
			domain.ErrEventNotFound)
	})
}

func TestSetWinnerTeam(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "WIN1")

	err := repo.SetWinnerTeam(ctx, "WIN1", domain.TeamRed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "winner requires bonus_selection")

	_, err = repo.GetPool().Exec(ctx,
		`UPDATE rooms SET validation_status = 'bonus_selection' WHERE code = 'WIN1'`)
	require.NoError(t, err)

	require.NoError(t, repo.SetWinnerTeam(ctx, "WIN1", domain.TeamRed))
	room, err := repo.GetRoomWithAssignments(ctx, "WIN1")
	require.NoError(t, err)
	require.NotNil(t, room.WinnerTeam)
	assert.Equal(t, domain.TeamRed, *room.WinnerTeam)
}

func TestFinalizeRoom(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "FIN1")
	_, err := repo.GetPool().Exec(ctx,
		`UPDATE rooms SET validation_status = 'in_progress:1' WHERE code = 'FIN1'`)
	require.NoError(t, err)

	winner := domain.TeamBlue
	snapshot, err := json.Marshal(map[string]string{"code": "FIN1"})
	require.NoError(t, err)
	hist := domain.GameHistory{
		RoomCode:   "FIN1",
		WinnerTeam: &winner,
		RedScore:   30,
		BlueScore:  55,
		BonusPoint: 15,
		Snapshot:   snapshot,
	}

	t.Run("stale from-state leaves the room untouched", func(t *testing.T) {
		err := repo.FinalizeRoom(ctx, "FIN1", domain.BonusSelection(), hist)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		room, err := repo.GetRoomWithAssignments(ctx, "FIN1")
		require.NoError(t, err)
		assert.False(t, room.GameStopped)

		var count int
		err = repo.GetPool().QueryRow(ctx,
			`SELECT count(*) FROM game_histories WHERE room_code = 'FIN1'`).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count, "no history row without the room update")
	})

	t.Run("finalize stops the room and writes history", func(t *testing.T) {
		require.NoError(t, repo.FinalizeRoom(ctx, "FIN1", domain.InProgress(1), hist))

		room, err := repo.GetRoomWithAssignments(ctx, "FIN1")
		require.NoError(t, err)
		assert.True(t, room.GameStopped)
		assert.Equal(t, domain.Finalized(), room.ValidationStatus)

		var redScore, blueScore, bonus int
		var storedWinner *string
		err = repo.GetPool().QueryRow(ctx, `
			SELECT red_score, blue_score, bonus_points, winner_team
			FROM game_histories WHERE room_code = 'FIN1'`).Scan(&redScore, &blueScore, &bonus, &storedWinner)
		require.NoError(t, err)
		assert.Equal(t, 30, redScore)
		assert.Equal(t, 55, blueScore)
		assert.Equal(t, 15, bonus)
		require.NotNil(t, storedWinner)
		assert.Equal(t, "blue", *storedWinner)
	})

	t.Run("a stopped room cannot be finalized again", func(t *testing.T) {
		err := repo.FinalizeRoom(ctx, "FIN1", domain.Finalized(), hist)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestIsCreator(t *testing.T) {
	ctx := context.Background()
	seedRoom(t, ctx, "AUTH1")

	ok, err := repo.IsCreator(ctx, "creator-token", "AUTH1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsCreator(ctx, "wrong-token", "AUTH1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.IsCreator(ctx, "creator-token", "GHOST")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
