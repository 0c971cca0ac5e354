// Package store provides in-memory implementations of the ledger's
// collaborators, for tests and local development.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// ACTIVITY LOG - In-memory ledger.ActivityLogger
// =============================================================================

type ActivityLog struct {
	mu      sync.RWMutex
	entries []ledger.Activity
}

func NewActivityLog() *ActivityLog {
	return &ActivityLog{}
}

// Record appends an activity. Never blocks on anything but the mutex.
func (l *ActivityLog) Record(_ context.Context, a ledger.Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, a)
}

// Entries returns a copy of everything recorded so far.
func (l *ActivityLog) Entries() []ledger.Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ledger.Activity, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByAction returns the activities with the given action.
func (l *ActivityLog) ByAction(action string) []ledger.Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ledger.Activity
	for _, a := range l.entries {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// INBOX - In-memory ledger.Notifier
// =============================================================================

type Message struct {
	UserID  string
	Title   string
	Message string
	At      time.Time
}

// Inbox collects delivered notifications per user. Fail makes the next
// deliveries return an error.
type Inbox struct {
	mu       sync.RWMutex
	messages map[string][]Message
	fail     error
}

func NewInbox() *Inbox {
	return &Inbox{messages: make(map[string][]Message)}
}

func (in *Inbox) Notify(_ context.Context, userID, title, message string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fail != nil {
		return in.fail
	}
	in.messages[userID] = append(in.messages[userID], Message{
		UserID:  userID,
		Title:   title,
		Message: message,
		At:      time.Now().UTC(),
	})
	return nil
}

// Fail sets the error returned by every later delivery; nil restores delivery.
func (in *Inbox) Fail(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fail = err
}

// For returns the messages delivered to a user.
func (in *Inbox) For(userID string) []Message {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]Message, len(in.messages[userID]))
	copy(out, in.messages[userID])
	return out
}

// Count returns the number of messages delivered to anyone.
func (in *Inbox) Count() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	n := 0
	for _, m := range in.messages {
		n += len(m)
	}
	return n
}
