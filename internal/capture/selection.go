package capture

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ent0n29/pairbooth/internal/session"
)

// ErrInvalidSelection is a precondition failure.
var ErrInvalidSelection = fmt.Errorf("%w: invalid selection", session.ErrPrecondition)

var errNotEnoughShots = errors.New("not enough complete shots")

// Selection is the ordered list of chosen shot numbers; position i fills
// layout slot i.
type Selection []int

// NewSelection validates shots against the layout: exactly slotCount distinct
// shots, each in 1..totalShots.
func NewSelection(shots []int, slotCount, totalShots int) (Selection, error) {
	if len(shots) != slotCount {
		return nil, fmt.Errorf("%w: got %d shots, layout has %d slots", ErrInvalidSelection, len(shots), slotCount)
	}
	seen := make(map[int]struct{}, len(shots))
	for _, shot := range shots {
		if shot < 1 || shot > totalShots {
			return nil, fmt.Errorf("%w: shot %d not in 1..%d", ErrInvalidSelection, shot, totalShots)
		}
		if _, dup := seen[shot]; dup {
			return nil, fmt.Errorf("%w: shot %d selected twice", ErrInvalidSelection, shot)
		}
		seen[shot] = struct{}{}
	}
	return append(Selection(nil), shots...), nil
}

// FromIndices converts zero-based photo indices, as carried by
// photo-select-sync, into a selection.
func FromIndices(indices []int, slotCount, totalShots int) (Selection, error) {
	shots := make([]int, len(indices))
	for i, idx := range indices {
		shots[i] = idx + 1
	}
	return NewSelection(shots, slotCount, totalShots)
}

// AutoSelect picks the lowest-numbered complete shots. It is used when the
// Guest does not choose before the selection deadline.
func AutoSelect(complete []int, slotCount, totalShots int) (Selection, error) {
	shots := append([]int(nil), complete...)
	sort.Ints(shots)
	if len(shots) < slotCount {
		return nil, fmt.Errorf("%w: %v (%d of %d)", ErrInvalidSelection, errNotEnoughShots, len(shots), slotCount)
	}
	return NewSelection(shots[:slotCount], slotCount, totalShots)
}

// Indices is the inverse of FromIndices.
func (s Selection) Indices() []int {
	out := make([]int, len(s))
	for i, shot := range s {
		out[i] = shot - 1
	}
	return out
}

func (s Selection) Shots() []int {
	return append([]int(nil), s...)
}
