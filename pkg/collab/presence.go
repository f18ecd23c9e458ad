package collab

import "time"

// Participant is a member of the current session roster.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Cursor is a remote participant's live pointer position.
type Cursor struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Color      string    `json:"color"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	LastUpdate time.Time `json:"-"`
}

// RemotePresence identifies which remote participant is touching an element.
type RemotePresence struct {
	UserID   string
	Username string
	Color    string
}

// presenceStore holds everyone else's ephemeral state. It is not safe for
// concurrent use; the session loop is its only caller.
type presenceStore struct {
	users      map[string]Participant
	cursors    map[string]Cursor
	selections map[string][]string
	typing     map[string]string // userID -> elementID being typed into
}

func newPresenceStore() *presenceStore {
	p := &presenceStore{}
	p.reset()
	return p
}

func (p *presenceStore) reset() {
	p.users = make(map[string]Participant)
	p.cursors = make(map[string]Cursor)
	p.selections = make(map[string][]string)
	p.typing = make(map[string]string)
}

// syncUsers replaces the entire roster. The authority is the source of truth
// for membership, so this is a full resync, not an append.
func (p *presenceStore) syncUsers(users []Participant) {
	p.users = make(map[string]Participant, len(users))
	for _, u := range users {
		p.users[u.UserID] = u
	}
}

func (p *presenceStore) userJoined(u Participant) {
	p.users[u.UserID] = u
}

// userLeft removes the user and every trace of their presence.
func (p *presenceStore) userLeft(userID string) {
	delete(p.users, userID)
	delete(p.cursors, userID)
	delete(p.selections, userID)
	delete(p.typing, userID)
}

func (p *presenceStore) cursorUpdate(userID, username, color string, x, y float64, now time.Time) {
	p.cursors[userID] = Cursor{
		UserID:     userID,
		Username:   username,
		Color:      color,
		X:          x,
		Y:          y,
		LastUpdate: now,
	}
}

// selectionUpdate records the elements a user has selected. An empty list
// means "no selection" and removes the entry, keeping queries proportional
// to active selections.
func (p *presenceStore) selectionUpdate(userID string, elementIDs []string) {
	if len(elementIDs) == 0 {
		delete(p.selections, userID)
		return
	}
	p.selections[userID] = elementIDs
}

func (p *presenceStore) typingUpdate(userID, elementID string, isTyping bool) {
	if !isTyping {
		delete(p.typing, userID)
		return
	}
	p.typing[userID] = elementID
}

// sweepStale drops cursors not refreshed within maxAge and reports how many
// were removed, so the caller can skip redundant re-renders.
func (p *presenceStore) sweepStale(now time.Time, maxAge time.Duration) int {
	removed := 0
	for userID, c := range p.cursors {
		if now.Sub(c.LastUpdate) > maxAge {
			delete(p.cursors, userID)
			removed++
		}
	}
	return removed
}

func (p *presenceStore) remote(userID string) *RemotePresence {
	r := &RemotePresence{UserID: userID}
	if u, ok := p.users[userID]; ok {
		r.Username = u.Username
		r.Color = u.Color
	}
	return r
}

// selectedBy reports the first remote user found selecting the element, or
// nil. First match wins; selection conflicts are informational only, not
// locks, so no arbitration happens here.
func (p *presenceStore) selectedBy(elementID string) *RemotePresence {
	for userID, ids := range p.selections {
		for _, id := range ids {
			if id == elementID {
				return p.remote(userID)
			}
		}
	}
	return nil
}

func (p *presenceStore) typedBy(elementID string) *RemotePresence {
	for userID, id := range p.typing {
		if id == elementID {
			return p.remote(userID)
		}
	}
	return nil
}

func (p *presenceStore) participants() []Participant {
	out := make([]Participant, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, u)
	}
	return out
}

func (p *presenceStore) cursorList() []Cursor {
	out := make([]Cursor, 0, len(p.cursors))
	for _, c := range p.cursors {
		out = append(out, c)
	}
	return out
}
