package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is handed to the notifier hook after a transition commits.
type Notification struct {
	EventID     uuid.UUID
	TriggerID   uuid.UUID
	TriggerType TriggerType
	OldStatus   string
	NewStatus   string
	ExecutedAt  time.Time
}
