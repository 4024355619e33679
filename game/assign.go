package game

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/eraoriginal/lol-missions-sub000/domain"
)

// The assignment engine is pure: all inputs are in memory and all randomness
// comes from the injected rand source, so fairness properties are testable
// with a fixed seed.

const playerToken = "{player}"

// AssignDirect draws one mission per player from the pool, uniformly at
// random without replacement. A duel mission is assigned to two players on
// opposing teams at once; both hold the same mission with reciprocal
// resolved text.
func AssignDirect(rnd *rand.Rand, players []domain.Player, pool []domain.Mission, t domain.MissionType) (map[string]domain.PlayerMission, error) {
	if len(pool) < len(players) {
		return nil, fmt.Errorf("%w: %d missions for %d players", domain.ErrInsufficientPool, len(pool), len(players))
	}

	missions := shuffledMissions(rnd, pool)
	remaining := shuffledPlayers(rnd, players)
	assigned := make(map[string]domain.PlayerMission, len(players))

	for _, m := range missions {
		if len(remaining) == 0 {
			break
		}

		if m.Placeholder == domain.PlaceholderDuel {
			red, blue, ok := pickOpposingPair(rnd, remaining)
			if !ok {
				continue
			}
			redText, err := ResolvePlaceholder(rnd, m, remaining[red], players, &remaining[blue])
			if err != nil {
				continue
			}
			blueText, err := ResolvePlaceholder(rnd, m, remaining[blue], players, &remaining[red])
			if err != nil {
				continue
			}
			assigned[remaining[red].Id] = newPlayerMission(remaining[red], m, t, redText)
			assigned[remaining[blue].Id] = newPlayerMission(remaining[blue], m, t, blueText)
			remaining = removeIndexes(remaining, red, blue)
			continue
		}

		for i, p := range remaining {
			text, err := ResolvePlaceholder(rnd, m, p, players, nil)
			if err != nil {
				continue
			}
			assigned[p.Id] = newPlayerMission(p, m, t, text)
			remaining = removeIndexes(remaining, i)
			break
		}
	}

	if len(remaining) > 0 {
		return nil, fmt.Errorf("%w: %d players left without a %s mission", domain.ErrInsufficientPool, len(remaining), t)
	}
	return assigned, nil
}

// AssignChoices deals k distinct missions to every team-rostered player.
// Duel missions are excluded: they require pairing and cannot be chosen
// independently. Offers never overlap across players.
func AssignChoices(rnd *rand.Rand, players []domain.Player, pool []domain.Mission, k int, t domain.MissionType) (map[string][]domain.PendingMissionChoice, error) {
	rostered := make([]domain.Player, 0, len(players))
	for _, p := range players {
		if p.Team.Rostered() {
			rostered = append(rostered, p)
		}
	}

	eligible := make([]domain.Mission, 0, len(pool))
	for _, m := range pool {
		if m.Placeholder != domain.PlaceholderDuel {
			eligible = append(eligible, m)
		}
	}

	if need := len(rostered) * k; len(eligible) < need {
		return nil, fmt.Errorf("%w: %d eligible missions, need %d (%d players x %d choices)",
			domain.ErrInsufficientPool, len(eligible), need, len(rostered), k)
	}

	queue := shuffledMissions(rnd, eligible)
	order := shuffledPlayers(rnd, rostered)
	offers := make(map[string][]domain.PendingMissionChoice, len(order))

	for _, p := range order {
		var skipped []domain.Mission
		for len(offers[p.Id]) < k && len(queue) > 0 {
			m := queue[0]
			queue = queue[1:]
			text, err := ResolvePlaceholder(rnd, m, p, players, nil)
			if err != nil {
				skipped = append(skipped, m)
				continue
			}
			offers[p.Id] = append(offers[p.Id], domain.PendingMissionChoice{
				PlayerId:     p.Id,
				MissionId:    m.Id,
				Type:         t,
				ResolvedText: text,
				Points:       m.Points,
			})
		}
		queue = append(queue, skipped...)
		if len(offers[p.Id]) < k {
			return nil, fmt.Errorf("%w: could not deal %d choices to player %s", domain.ErrInsufficientPool, k, p.Id)
		}
	}

	return offers, nil
}

// ResolvePlaceholder substitutes the {player} token in the mission text with
// a concrete player name, chosen per the mission's placeholder mode. The
// result is frozen into the assignment record and never recomputed.
func ResolvePlaceholder(rnd *rand.Rand, m domain.Mission, p domain.Player, roster []domain.Player, duelPartner *domain.Player) (string, error) {
	switch m.Placeholder {
	case domain.PlaceholderNone, "":
		return m.Text, nil

	case domain.PlaceholderDuel:
		if duelPartner == nil {
			return "", ErrDuelPairMissing
		}
		return strings.ReplaceAll(m.Text, playerToken, duelPartner.Name), nil

	case domain.PlaceholderAny:
		return substituteRandom(rnd, m.Text, roster, func(other domain.Player) bool {
			return other.Id != p.Id
		})

	case domain.PlaceholderTeammate:
		return substituteRandom(rnd, m.Text, roster, func(other domain.Player) bool {
			return other.Id != p.Id && other.Team.Rostered() && other.Team == p.Team
		})

	case domain.PlaceholderOpponent:
		return substituteRandom(rnd, m.Text, roster, func(other domain.Player) bool {
			return other.Team.Rostered() && other.Team == p.Team.Opponent()
		})

	default:
		return "", fmt.Errorf("unknown placeholder %q", m.Placeholder)
	}
}

// ScheduleEvents picks count distinct catalog events and spreads them at
// random seconds within [minAt, maxAt]. Sequence numbers follow the
// scheduled order.
func ScheduleEvents(rnd *rand.Rand, catalog []domain.GameEvent, count, minAt, maxAt int) []domain.RoomEvent {
	if count > len(catalog) {
		count = len(catalog)
	}
	if count <= 0 || maxAt < minAt {
		return nil
	}

	picked := make([]domain.GameEvent, len(catalog))
	copy(picked, catalog)
	rnd.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	picked = picked[:count]

	events := make([]domain.RoomEvent, 0, count)
	for _, e := range picked {
		events = append(events, domain.RoomEvent{
			EventId:     e.Id,
			Name:        e.Name,
			Points:      e.Points,
			ScheduledAt: minAt + rnd.Intn(maxAt-minAt+1),
		})
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ScheduledAt < events[j].ScheduledAt
	})
	for i := range events {
		events[i].Seq = i
	}
	return events
}

func newPlayerMission(p domain.Player, m domain.Mission, t domain.MissionType, resolvedText string) domain.PlayerMission {
	return domain.PlayerMission{
		PlayerId:     p.Id,
		MissionId:    m.Id,
		Type:         t,
		ResolvedText: resolvedText,
		Points:       m.Points,
		IsPrivate:    m.IsPrivate,
	}
}

func substituteRandom(rnd *rand.Rand, text string, roster []domain.Player, eligible func(domain.Player) bool) (string, error) {
	candidates := make([]domain.Player, 0, len(roster))
	for _, other := range roster {
		if eligible(other) {
			candidates = append(candidates, other)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoEligiblePlayer
	}
	chosen := candidates[rnd.Intn(len(candidates))]
	return strings.ReplaceAll(text, playerToken, chosen.Name), nil
}

func pickOpposingPair(rnd *rand.Rand, remaining []domain.Player) (red, blue int, ok bool) {
	var reds, blues []int
	for i, p := range remaining {
		switch p.Team {
		case domain.TeamRed:
			reds = append(reds, i)
		case domain.TeamBlue:
			blues = append(blues, i)
		}
	}
	if len(reds) == 0 || len(blues) == 0 {
		return 0, 0, false
	}
	return reds[rnd.Intn(len(reds))], blues[rnd.Intn(len(blues))], true
}

func shuffledMissions(rnd *rand.Rand, pool []domain.Mission) []domain.Mission {
	out := make([]domain.Mission, len(pool))
	copy(out, pool)
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func shuffledPlayers(rnd *rand.Rand, players []domain.Player) []domain.Player {
	out := make([]domain.Player, len(players))
	copy(out, players)
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// removeIndexes drops the given positions, preserving the order of the rest.
func removeIndexes(players []domain.Player, indexes ...int) []domain.Player {
	drop := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		drop[i] = struct{}{}
	}
	out := players[:0]
	for i, p := range players {
		if _, gone := drop[i]; !gone {
			out = append(out, p)
		}
	}
	return out
}
