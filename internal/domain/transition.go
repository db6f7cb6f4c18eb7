package domain

import "fmt"

// Transition is one row of the fixed trigger_type lookup table.
type Transition struct {
	Type TriggerType

	// Exactly one of the status pairs is set.
	FromStatus, ToStatus             EventStatus
	FromRegistration, ToRegistration RegistrationStatus
}

var transitions = map[TriggerType]Transition{
	TriggerRegistrationOpen: {
		Type:             TriggerRegistrationOpen,
		FromRegistration: RegistrationNotOpen,
		ToRegistration:   RegistrationOpen,
	},
	TriggerRegistrationClose: {
		Type:             TriggerRegistrationClose,
		FromRegistration: RegistrationOpen,
		ToRegistration:   RegistrationClosed,
	},
	TriggerEventStart: {
		Type:       TriggerEventStart,
		FromStatus: EventStatusUpcoming,
		ToStatus:   EventStatusOngoing,
	},
	TriggerEventEnd: {
		Type:       TriggerEventEnd,
		FromStatus: EventStatusOngoing,
		ToStatus:   EventStatusCompleted,
	},
}

// TransitionFor returns the table row for t.
func TransitionFor(t TriggerType) (Transition, error) {
	tr, ok := transitions[t]
	if !ok {
		return Transition{}, fmt.Errorf("unknown trigger type %q", t)
	}
	return tr, nil
}

func (tr Transition) registration() bool {
	return tr.FromRegistration != ""
}

// Holds reports whether the precondition is met by e. No transition
// applies to a cancelled event.
func (tr Transition) Holds(e Event) bool {
	if e.Status == EventStatusCancelled {
		return false
	}
	if tr.registration() {
		return e.RegistrationStatus == tr.FromRegistration
	}
	return e.Status == tr.FromStatus
}

// Patch is the version-checked write that applies the transition.
func (tr Transition) Patch() EventPatch {
	if tr.registration() {
		to := tr.ToRegistration
		return EventPatch{RegistrationStatus: &to}
	}
	to := tr.ToStatus
	return EventPatch{Status: &to}
}

// Current returns the status field this transition reads, as a string.
func (tr Transition) Current(e Event) string {
	if tr.registration() {
		return string(e.RegistrationStatus)
	}
	return string(e.Status)
}

// Target returns the value the transition writes, as a string.
func (tr Transition) Target() string {
	if tr.registration() {
		return string(tr.ToRegistration)
	}
	return string(tr.ToStatus)
}

// Reachable reports whether e can still pass through this transition, i.e.
// the event has not already moved past it and is not frozen.
func (tr Transition) Reachable(e Event) bool {
	switch e.Status {
	case EventStatusDraft, EventStatusCancelled, EventStatusCompleted:
		return false
	}
	if tr.registration() {
		return registrationRank(e.RegistrationStatus) <= registrationRank(tr.FromRegistration)
	}
	return statusRank(e.Status) <= statusRank(tr.FromStatus)
}

func registrationRank(s RegistrationStatus) int {
	switch s {
	case RegistrationNotOpen:
		return 0
	case RegistrationOpen:
		return 1
	case RegistrationClosed:
		return 2
	}
	return 3
}

func statusRank(s EventStatus) int {
	switch s {
	case EventStatusUpcoming:
		return 0
	case EventStatusOngoing:
		return 1
	case EventStatusCompleted:
		return 2
	}
	return 3
}
