package domain

import "github.com/google/uuid"

// NotifyKind classifies a notification event.
type NotifyKind string

const (
	NotifyInfo    NotifyKind = "Info"
	NotifySuccess NotifyKind = "Success"
	NotifyError   NotifyKind = "Error"
)

// Notifier delivers best-effort push events to the owning user's single
// active client connection. Delivery is advisory telemetry, never part of
// the consistency model: sending to a user with no connection is a silent
// no-op.
type Notifier interface {
	Send(userID uuid.UUID, route string, kind NotifyKind, payload any)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Send(uuid.UUID, string, NotifyKind, any) {}
