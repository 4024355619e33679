package game

import "errors"

var (
	ErrNoEligiblePlayer = errors.New("no eligible player for placeholder")
	ErrDuelPairMissing  = errors.New("no opposing pair available for duel")
)
