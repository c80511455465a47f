package occupancy

import (
	"testing"
	"time"

	"github.com/presence-solutions/roomd/internal/model"
)

func TestApplyOccupancyEventCommitsTrueImmediately(t *testing.T) {
	state := model.NewDeviceState(1)
	now := time.Now()

	changed := applyOccupancyEvent(state, map[int]bool{5: true}, now, 10, 3)

	if !changed[5] {
		t.Fatal("expected room 5 to change on first true observation")
	}
	if !state.InRooms[5] {
		t.Error("expected InRooms[5] = true")
	}
}

func TestApplyOccupancyEventDebouncesFalseTransition(t *testing.T) {
	state := model.NewDeviceState(1)
	now := time.Now()

	applyOccupancyEvent(state, map[int]bool{5: true}, now, 10, 3)

	// First false observation: starts debouncing, should not commit yet.
	changed := applyOccupancyEvent(state, map[int]bool{5: false}, now.Add(1*time.Second), 10, 3)
	if changed[5] {
		t.Fatal("expected no commit on first false observation (time threshold not met)")
	}
	if !state.InRooms[5] {
		t.Error("expected InRooms[5] to remain true mid-debounce")
	}

	// Second and third false observations within the window still
	// shouldn't commit since elapsed time hasn't reached the threshold.
	applyOccupancyEvent(state, map[int]bool{5: false}, now.Add(2*time.Second), 10, 3)
	changed = applyOccupancyEvent(state, map[int]bool{5: false}, now.Add(3*time.Second), 10, 3)
	if changed[5] {
		t.Fatal("expected no commit before DEVICE_CHANGE_STATE_SECONDS elapses")
	}

	// After enough elapsed time and enough beats, it should commit false.
	changed = applyOccupancyEvent(state, map[int]bool{5: false}, now.Add(11*time.Second), 10, 3)
	if !changed[5] {
		t.Fatal("expected commit to false after threshold elapsed and enough beats")
	}
	if state.InRooms[5] {
		t.Error("expected InRooms[5] = false after commit")
	}
}

func TestApplyOccupancyEventEmptyClearsAllState(t *testing.T) {
	state := model.NewDeviceState(1)
	now := time.Now()
	applyOccupancyEvent(state, map[int]bool{5: true, 6: true}, now, 10, 3)

	changed := applyOccupancyEvent(state, map[int]bool{}, now, 10, 3)

	if !changed[5] || !changed[6] {
		t.Errorf("expected both rooms to be reported changed, got %v", changed)
	}
	if len(state.InRooms) != 0 || len(state.Pending) != 0 {
		t.Error("expected InRooms and Pending to be cleared on empty room_occupancy")
	}
}

func TestApplyOccupancyEventFlappingFalseResetsDebounceWindow(t *testing.T) {
	state := model.NewDeviceState(1)
	now := time.Now()
	applyOccupancyEvent(state, map[int]bool{5: true}, now, 10, 3)

	applyOccupancyEvent(state, map[int]bool{5: false}, now.Add(1*time.Second), 10, 3)
	// Observed true again mid-debounce: commits immediately (observed
	// true always commits) and should reset the pending window.
	applyOccupancyEvent(state, map[int]bool{5: true}, now.Add(2*time.Second), 10, 3)
	if !state.InRooms[5] {
		t.Fatal("expected InRooms[5] to remain true after a renewed true observation")
	}

	// A fresh false sequence must restart its own window from here.
	changed := applyOccupancyEvent(state, map[int]bool{5: false}, now.Add(12*time.Second), 10, 3)
	if changed[5] {
		t.Fatal("expected no commit immediately after the debounce window was reset by the renewed true observation")
	}
}
