// SPDX-License-Identifier: BSD-3-Clause

// Package mailnotify publishes the post-cleanup operator-email side effect
// onto the IPC bus. It does not send mail itself; a subscriber outside this
// process (out of scope here, same as the allocator on the other end of
// SubjectBoardQuarantined) turns a published Notification into an actual
// message to a human.
package mailnotify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Notification is the payload published for one operator-mail event.
type Notification struct {
	BoardID   int64     `json:"board_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes Notifications to its configured subject. A Notifier
// built with a nil connection is a valid no-op: Notify then returns nil
// without publishing, the same posture the controller's epoch publisher
// takes before its in-process IPC connection comes up.
type Notifier struct {
	cfg *config
}

// New constructs a Notifier bound to nc, which may be nil.
func New(nc *nats.Conn, opts ...Option) *Notifier {
	return &Notifier{cfg: newConfig(nc, opts...)}
}

// Notify publishes one operator-mail Notification for boardID.
func (n *Notifier) Notify(boardID int64, message string, at time.Time) error {
	if n.cfg.nc == nil {
		return nil
	}
	payload, err := json.Marshal(Notification{BoardID: boardID, Message: message, Timestamp: at})
	if err != nil {
		return fmt.Errorf("marshal operator notification: %w", err)
	}
	return n.cfg.nc.Publish(n.cfg.subject, payload)
}
