// Package router exposes the thin verb API Session calls into, built
// entirely on top of directory.Directory and queue.Queue: try a live
// delivery first, fall back to the offline queue, and accept the resulting
// race as documented in spec §4.4/§5.
package router

import (
	"github.com/ayushdedhia/pulse/internal/directory"
	"github.com/ayushdedhia/pulse/internal/queue"
)

// Router is the thin verb surface Session uses; it owns no state of its own
// beyond a Directory and a Queue.
type Router struct {
	dir *directory.Directory
	q   *queue.Queue
}

// New builds a Router over the given Directory and Queue.
func New(dir *directory.Directory, q *queue.Queue) *Router {
	return &Router{dir: dir, q: q}
}

// Broadcast fans text out to every user except exceptUserID (pass "" to
// exclude nobody).
func (r *Router) Broadcast(text, exceptUserID string) {
	r.dir.Broadcast(text, exceptUserID)
}

// SendToUser delivers text directly to userId's live sessions, if any, with
// no queueing fallback. Used for time-sensitive variants (call signaling)
// that should not resurrect themselves on reconnect.
func (r *Router) SendToUser(userID, text string) bool {
	return r.dir.SendToUser(userID, text)
}

// SendOrQueue attempts a live delivery; if nobody is online for userId, the
// message is appended to their offline queue instead.
func (r *Router) SendOrQueue(userID, text string) bool {
	if r.dir.SendToUser(userID, text) {
		return true
	}
	r.q.Push(userID, text)
	return false
}

// TakePending drains userId's offline queue in FIFO order.
func (r *Router) TakePending(userID string) []string {
	return r.q.Take(userID)
}

// OnlineUsers snapshots every currently-online user id.
func (r *Router) OnlineUsers() []string {
	return r.dir.OnlineUsers()
}

// IsOnline reports whether userId currently has a live session.
func (r *Router) IsOnline(userID string) bool {
	return r.dir.IsOnline(userID)
}

// Add registers an outbound channel for userId.
func (r *Router) Add(userID string, ch *directory.Outbound) {
	r.dir.Add(userID, ch)
}

// Remove prunes closed channels for userId from the Directory.
func (r *Router) Remove(userID string) {
	r.dir.Remove(userID)
}

// PendingCount reports how many messages are queued for userId.
func (r *Router) PendingCount(userID string) int {
	return r.q.PendingCount(userID)
}

// TotalPending sums queue depth across every user, for metrics sampling.
func (r *Router) TotalPending() int {
	return r.q.TotalPending()
}
