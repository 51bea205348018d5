// Package presence tracks which room each connected user is in and reports
// per-room online counts.
package presence

import (
	"sort"
	"sync"
)

// Change is a room's online count after a presence update.
type Change struct {
	RoomID int64
	Count  int
}

// Tracker maps rooms to the set of user ids present in them. A user id is in
// at most one room at a time. The zero value is not usable; call NewTracker.
type Tracker struct {
	mu     sync.RWMutex
	rooms  map[int64]map[string]struct{}
	userAt map[string]int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms:  make(map[int64]map[string]struct{}),
		userAt: make(map[string]int64),
	}
}

// Join moves userID into roomID. The returned changes list the previous room
// first, when the user switched rooms, then the joined room. Joining the room
// the user is already in only reports its current count.
func (t *Tracker) Join(userID string, roomID int64) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	if prev, ok := t.userAt[userID]; ok {
		if prev == roomID {
			return []Change{{RoomID: roomID, Count: len(t.rooms[roomID])}}
		}
		t.removeLocked(userID, prev)
		changes = append(changes, Change{RoomID: prev, Count: len(t.rooms[prev])})
	}

	members, ok := t.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		t.rooms[roomID] = members
	}
	members[userID] = struct{}{}
	t.userAt[userID] = roomID

	return append(changes, Change{RoomID: roomID, Count: len(members)})
}

// Leave removes userID from roomID if that is the room the user is in.
func (t *Tracker) Leave(userID string, roomID int64) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.userAt[userID]; !ok || current != roomID {
		return Change{}, false
	}
	t.removeLocked(userID, roomID)
	return Change{RoomID: roomID, Count: len(t.rooms[roomID])}, true
}

func (t *Tracker) removeLocked(userID string, roomID int64) {
	delete(t.userAt, userID)
	members := t.rooms[roomID]
	delete(members, userID)
	if len(members) == 0 {
		delete(t.rooms, roomID)
	}
}

// Count returns the number of users in roomID.
func (t *Tracker) Count(roomID int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[roomID])
}

// RoomOf reports the room userID is in.
func (t *Tracker) RoomOf(userID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roomID, ok := t.userAt[userID]
	return roomID, ok
}

// Members returns the sorted user ids in roomID.
func (t *Tracker) Members(roomID int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := make([]string, 0, len(t.rooms[roomID]))
	for id := range t.rooms[roomID] {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// Total returns the number of users present in any room.
func (t *Tracker) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.userAt)
}

// Reset empties the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms = make(map[int64]map[string]struct{})
	t.userAt = make(map[string]int64)
}
