package occupancy

import "sort"

// roomTracker holds one room's published state: whether it is
// currently ON, and which devices are contributing to that state.
type roomTracker struct {
	roomID        int
	roomName      string
	state         bool
	activeDevices map[int]struct{}
	discoveryDone bool
}

func newRoomTracker(roomID int, roomName string) *roomTracker {
	return &roomTracker{roomID: roomID, roomName: roomName, activeDevices: make(map[int]struct{})}
}

// setDeviceActive records whether deviceID currently has InRooms[r]
// true for this room, returning whether the room's occupied/vacant
// verdict or its active device set changed.
func (r *roomTracker) setDeviceActive(deviceID int, active bool) (stateChanged, devicesChanged bool) {
	_, was := r.activeDevices[deviceID]
	if active == was {
		return false, false
	}
	if active {
		r.activeDevices[deviceID] = struct{}{}
	} else {
		delete(r.activeDevices, deviceID)
	}

	occupied := len(r.activeDevices) > 0
	stateChanged = occupied != r.state
	r.state = occupied
	return stateChanged, true
}

func (r *roomTracker) activeDeviceIDs() []int {
	ids := make([]int, 0, len(r.activeDevices))
	for id := range r.activeDevices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
