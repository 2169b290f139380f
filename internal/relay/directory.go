package relay

import "sync"

// Directory tracks which users are online: user id → live sessions.
// One user may hold several sessions at once (multi-device).
type Directory struct {
	mu    sync.RWMutex
	users map[string][]*session
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[string][]*session)}
}

// Add registers a session under a user. Existing sessions stay: a
// second device attaches alongside the first.
func (d *Directory) Add(userID string, c *session) {
	d.mu.Lock()
	d.users[userID] = append(d.users[userID], c)
	d.mu.Unlock()
}

// Remove drops the given session along with any session of the user
// that has since died. The user disappears from the directory when no
// session remains.
func (d *Directory) Remove(userID string, c *session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessions := d.users[userID]
	live := sessions[:0]
	for _, other := range sessions {
		if other == c || other.closed() {
			continue
		}
		live = append(live, other)
	}

	if len(live) == 0 {
		delete(d.users, userID)
		return
	}
	d.users[userID] = live
}

// SendToUser enqueues a frame on every live session of one user and
// reports whether at least one session accepted it.
func (d *Directory) SendToUser(userID string, frame []byte) bool {
	d.mu.RLock()
	targets := append([]*session(nil), d.users[userID]...)
	d.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast enqueues a frame on every session of every user except
// exceptUserID ("" excludes nobody). Targets are collected under the
// read lock; enqueueing happens outside it because a full buffer closes
// the target session.
func (d *Directory) Broadcast(frame []byte, exceptUserID string) {
	d.mu.RLock()
	var targets []*session
	for userID, sessions := range d.users {
		if userID == exceptUserID {
			continue
		}
		targets = append(targets, sessions...)
	}
	d.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// OnlineUsers returns a snapshot of user ids with at least one session.
func (d *Directory) OnlineUsers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]string, 0, len(d.users))
	for userID := range d.users {
		users = append(users, userID)
	}
	return users
}

// IsOnline reports whether the user has at least one registered session.
func (d *Directory) IsOnline(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users[userID]) > 0
}

// OnlineCount returns the number of distinct online users.
func (d *Directory) OnlineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
