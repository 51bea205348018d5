package chatclient

import (
	"cmp"
	"slices"
	"sync"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/protocol"
)

// View is the client's merged message list for the active room. It combines
// the REST backfill with messages pushed over the socket and suppresses
// every id it has seen deleted.
type View struct {
	mu         sync.RWMutex
	roomID     int64
	fetched    []chat.Message
	streamed   map[int64]chat.Message
	tombstones map[int64]struct{}
}

// NewView returns an empty view of roomID. A zero room accepts pushed
// messages from any room.
func NewView(roomID int64) *View {
	return &View{
		roomID:     roomID,
		streamed:   make(map[int64]chat.Message),
		tombstones: make(map[int64]struct{}),
	}
}

// Room returns the active room.
func (v *View) Room() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.roomID
}

// SetRoom switches the active room, discarding the previous room's
// messages. Tombstones are kept.
func (v *View) SetRoom(roomID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if roomID == v.roomID {
		return
	}
	v.roomID = roomID
	v.fetched = nil
	v.streamed = make(map[int64]chat.Message)
}

// SetFetched replaces the backfill result.
func (v *View) SetFetched(msgs []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetched = slices.Clone(msgs)
}

// Apply folds a server frame into the view and reports whether the merged
// list may have changed.
func (v *View) Apply(f protocol.Outbound) bool {
	switch f := f.(type) {
	case protocol.NewMessage:
		return v.add(f.Message)
	case protocol.MessageDeleted:
		v.Remove(f.MessageID)
		return true
	}
	return false
}

func (v *View) add(msg chat.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.roomID != 0 && msg.RoomID != v.roomID {
		return false
	}
	if _, dead := v.tombstones[msg.ID]; dead {
		return false
	}
	v.streamed[msg.ID] = msg
	return true
}

// Remove tombstones id. Copies of it from either source are hidden from
// then on.
func (v *View) Remove(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tombstones[id] = struct{}{}
	delete(v.streamed, id)
}

// Deleted reports whether id has been tombstoned.
func (v *View) Deleted(id int64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, dead := v.tombstones[id]
	return dead
}

// Messages returns the merged list: unique ids, no tombstoned ids, ordered
// by timestamp and then id. Pushed copies win over fetched ones.
func (v *View) Messages() []chat.Message {
	v.mu.RLock()
	merged := make(map[int64]chat.Message, len(v.fetched)+len(v.streamed))
	for _, msg := range v.fetched {
		if _, dead := v.tombstones[msg.ID]; !dead {
			merged[msg.ID] = msg
		}
	}
	for id, msg := range v.streamed {
		if _, dead := v.tombstones[id]; !dead {
			merged[id] = msg
		}
	}
	v.mu.RUnlock()

	out := make([]chat.Message, 0, len(merged))
	for _, msg := range merged {
		out = append(out, msg)
	}
	slices.SortFunc(out, func(a, b chat.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
