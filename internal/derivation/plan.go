// Package derivation turns an event's timing fields into its canonical set
// of pending triggers and reconciles that set with the trigger queue.
package derivation

import (
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// Planned is one trigger the event should currently have.
type Planned struct {
	Type   domain.TriggerType
	FireAt time.Time

	// Overdue is true when FireAt has already passed at planning time.
	// The trigger is still planned; the next tick catches it up.
	Overdue bool
}

// Plan is a pure function of the event and the current time. It rejects
// malformed timing with a *domain.ConfigurationError and otherwise returns
// one entry per transition the event can still pass through, in firing
// order. Draft, cancelled and completed events plan nothing.
func Plan(event domain.Event, now time.Time) ([]Planned, error) {
	if err := event.Timing.Validate(); err != nil {
		return nil, err
	}

	var planned []Planned
	for _, typ := range domain.TriggerTypes {
		tr, err := domain.TransitionFor(typ)
		if err != nil {
			return nil, err
		}
		if !tr.Reachable(event) {
			continue
		}
		fireAt := typ.FireAt(event.Timing).UTC()
		planned = append(planned, Planned{
			Type:    typ,
			FireAt:  fireAt,
			Overdue: fireAt.Before(now),
		})
	}
	return planned, nil
}
