package occupancy

import (
	"time"

	"github.com/presence-solutions/roomd/internal/model"
)

// applyOccupancyEvent folds one OccupancyEvent's room_occupancy set
// into state, mutating state.InRooms/Pending in place and returning
// the set of room ids whose committed membership changed this call.
//
// Implements the exact two-threshold debounce: a room-membership
// change commits immediately when observed true, or only after both
// changeSeconds have elapsed and changeBeats consecutive observations
// agree when observed false.
func applyOccupancyEvent(state *model.DeviceState, observed map[int]bool, now time.Time, changeSeconds float64, changeBeats int) map[int]bool {
	changed := make(map[int]bool)

	if len(observed) == 0 {
		for roomID, wasIn := range state.InRooms {
			if wasIn {
				changed[roomID] = true
			}
		}
		state.InRooms = make(map[int]bool)
		state.Pending = make(map[int]*model.PendingRoomState)
		return changed
	}

	merged := make(map[int]struct{})
	for roomID := range state.InRooms {
		merged[roomID] = struct{}{}
	}
	for roomID := range state.Pending {
		merged[roomID] = struct{}{}
	}
	for roomID := range observed {
		merged[roomID] = struct{}{}
	}

	for roomID := range merged {
		isObserved := observed[roomID]

		pending, ok := state.Pending[roomID]
		if !ok {
			pending = &model.PendingRoomState{LastState: isObserved, AppearedAt: now}
			state.Pending[roomID] = pending
		}
		pending.AppearedTimes++

		if !isObserved && pending.LastState != isObserved {
			pending = &model.PendingRoomState{LastState: false, AppearedAt: now, AppearedTimes: 0}
			state.Pending[roomID] = pending
		}

		shouldCommit := isObserved ||
			(pending.LastState == isObserved &&
				now.Sub(pending.AppearedAt).Seconds() >= changeSeconds &&
				pending.AppearedTimes >= changeBeats)

		if shouldCommit {
			if state.InRooms[roomID] != isObserved {
				changed[roomID] = true
			}
			state.InRooms[roomID] = isObserved
			pending.AppearedAt = now
			pending.AppearedTimes = 0
		}
	}

	return changed
}
