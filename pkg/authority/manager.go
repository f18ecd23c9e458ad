package authority

import (
	"context"
	"log"
	"sync"
	"time"
)

// Manager hands out per-document rooms and purges rooms that have sat empty
// past the grace period.
type Manager struct {
	rooms  map[string]*Room
	mux    sync.Mutex
	store  Store
	bridge *Bridge
	stop   chan struct{}
}

func NewManager(store Store, bridge *Bridge, purgeAfter time.Duration) *Manager {
	m := &Manager{
		rooms:  make(map[string]*Room),
		store:  store,
		bridge: bridge,
		stop:   make(chan struct{}),
	}
	go func() {
		emptyRooms := make(map[string]time.Time)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
			}
			now := time.Now()
			roomsToPurge := make([]*Room, 0)
			m.mux.Lock()
			for documentID, room := range m.rooms {
				if room.Members() == 0 {
					emptyAt, ok := emptyRooms[documentID]
					if ok {
						if now.After(emptyAt.Add(purgeAfter)) {
							roomsToPurge = append(roomsToPurge, room)
						}
					} else {
						emptyRooms[documentID] = now
					}
				} else {
					delete(emptyRooms, documentID)
				}
			}
			for _, room := range roomsToPurge {
				log.Printf("authority: closing idle room %s", room.DocumentID())
				delete(m.rooms, room.DocumentID())
				delete(emptyRooms, room.DocumentID())
				room.Stop()
			}
			m.mux.Unlock()
		}
	}()
	return m
}

// Room finds or creates the room for a document.
func (m *Manager) Room(ctx context.Context, documentID, documentKind string) (*Room, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if room, ok := m.rooms[documentID]; ok {
		return room, nil
	}
	room, err := NewRoom(ctx, documentID, documentKind, m.store, m.bridge)
	if err != nil {
		return nil, err
	}
	m.rooms[documentID] = room
	return room, nil
}

// StopAll closes every room; used on server shutdown so final snapshots get
// persisted.
func (m *Manager) StopAll() {
	close(m.stop)
	m.mux.Lock()
	defer m.mux.Unlock()
	for documentID, room := range m.rooms {
		room.Stop()
		delete(m.rooms, documentID)
	}
}
