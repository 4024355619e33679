package game

// Notification kinds pushed through the broadcast hub. They are refetch
// hints for client UX; correctness never depends on them.
const (
	KindMidMissionsAssigned  = "mid-missions-assigned"
	KindLateMissionsAssigned = "late-missions-assigned"
	KindEventAppeared        = "event-appeared"
	KindMissionDecided       = "mission-decided"
	KindValidationAdvanced   = "validation-advanced"
	KindEventDecided         = "event-decided"
	KindWinnerSelected       = "winner-selected"
	KindGameFinalized        = "game-finalized"
)
