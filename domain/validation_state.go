package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type ValidationKind int

const (
	ValidationIdle ValidationKind = iota
	ValidationInProgress
	ValidationEvents
	ValidationBonus
	ValidationFinalized
)

const (
	statusInProgressPrefix = "in_progress:"
	statusEvents           = "events_validation"
	statusBonus            = "bonus_selection"
	statusFinalized        = "finalized"
)

// ValidationState is the server-authoritative position of a room in the
// post-game validation flow. The zero value is idle. It round-trips through
// the string encoding stored on the room row; idle maps to NULL.
type ValidationState struct {
	Kind        ValidationKind
	PlayerIndex int
}

func Idle() ValidationState {
	return ValidationState{Kind: ValidationIdle}
}

func InProgress(index int) ValidationState {
	return ValidationState{Kind: ValidationInProgress, PlayerIndex: index}
}

func EventsValidation() ValidationState {
	return ValidationState{Kind: ValidationEvents}
}

func BonusSelection() ValidationState {
	return ValidationState{Kind: ValidationBonus}
}

func Finalized() ValidationState {
	return ValidationState{Kind: ValidationFinalized}
}

func ParseValidationState(s string) (ValidationState, error) {
	switch {
	case s == "":
		return Idle(), nil
	case s == statusEvents:
		return EventsValidation(), nil
	case s == statusBonus:
		return BonusSelection(), nil
	case s == statusFinalized:
		return Finalized(), nil
	case strings.HasPrefix(s, statusInProgressPrefix):
		index, err := strconv.Atoi(strings.TrimPrefix(s, statusInProgressPrefix))
		if err != nil || index < 0 {
			return Idle(), fmt.Errorf("%w: %q", ErrCorruptValidationStatus, s)
		}
		return InProgress(index), nil
	default:
		return Idle(), fmt.Errorf("%w: %q", ErrCorruptValidationStatus, s)
	}
}

func (v ValidationState) String() string {
	switch v.Kind {
	case ValidationInProgress:
		return statusInProgressPrefix + strconv.Itoa(v.PlayerIndex)
	case ValidationEvents:
		return statusEvents
	case ValidationBonus:
		return statusBonus
	case ValidationFinalized:
		return statusFinalized
	default:
		return ""
	}
}

func (v ValidationState) IsIdle() bool {
	return v.Kind == ValidationIdle
}

func (v ValidationState) IsTerminal() bool {
	return v.Kind == ValidationFinalized
}

// Ordinal gives the position of the state in the forward-only ordering.
// Observed ordinals must never decrease for any client.
func (v ValidationState) Ordinal() int {
	switch v.Kind {
	case ValidationIdle:
		return 0
	case ValidationInProgress:
		return 1 + v.PlayerIndex
	case ValidationEvents:
		return 1 << 20
	case ValidationBonus:
		return 1<<20 + 1
	default:
		return 1<<20 + 2
	}
}

func (v ValidationState) MarshalJSON() ([]byte, error) {
	if v.IsIdle() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(v.String())), nil
}

func (v *ValidationState) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*v = Idle()
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCorruptValidationStatus, s)
	}
	parsed, err := ParseValidationState(unquoted)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
