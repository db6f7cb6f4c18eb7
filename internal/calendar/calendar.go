// Package calendar renders upcoming lifecycle triggers as an iCalendar feed
// so staff can subscribe to registration and start/end times.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

const productID = "-//campus-lifecycle//trigger feed//EN"

type TriggerLister interface {
	Upcoming(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.Trigger, error)
}

type EventReader interface {
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
}

type Feed struct {
	triggers TriggerLister
	events   EventReader
	window   time.Duration
	limit    int
	clock    func() time.Time
	log      zerolog.Logger
}

func New(triggers TriggerLister, events EventReader, window time.Duration, limit int) *Feed {
	return &Feed{
		triggers: triggers,
		events:   events,
		window:   window,
		limit:    limit,
		clock:    time.Now,
		log:      log.Logger.With().Str("component", "calendar").Logger(),
	}
}

func (f *Feed) WithClock(clock func() time.Time) *Feed {
	f.clock = clock
	return f
}

// Render returns the serialized VCALENDAR. Each active trigger within the
// window becomes a zero-length VEVENT at its fire time whose UID is the
// trigger id, so clients replace entries when a trigger is superseded.
func (f *Feed) Render(ctx context.Context) (string, error) {
	now := f.clock().UTC()

	triggers, err := f.triggers.Upcoming(ctx, now, f.window, f.limit)
	if err != nil {
		return "", fmt.Errorf("list upcoming triggers: %w", err)
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName("Campus event lifecycle")

	titles := make(map[uuid.UUID]string)
	for _, t := range triggers {
		title, ok := titles[t.EventID]
		if !ok {
			ev, err := f.events.GetEvent(ctx, t.EventID)
			if errors.Is(err, domain.ErrEventNotFound) {
				// deleted between the two reads; the trigger is being skipped
				continue
			}
			if err != nil {
				return "", fmt.Errorf("get event %s: %w", t.EventID, err)
			}
			title = ev.Title
			titles[t.EventID] = title
		}

		vev := cal.AddEvent(t.ID.String() + "@campus-lifecycle")
		vev.SetDtStampTime(now)
		vev.SetStartAt(t.FireAt)
		vev.SetEndAt(t.FireAt)
		vev.SetSummary(Summary(t.Type, title))
		vev.SetDescription(fmt.Sprintf("event %s, trigger %s", t.EventID, t.Type))
		vev.SetProperty(ical.ComponentPropertyCategories, string(t.Type))
	}

	f.log.Debug().Int("entries", len(cal.Events())).Msg("calendar rendered")
	return cal.Serialize(), nil
}

// Summary is the human-readable calendar entry title for a trigger.
func Summary(typ domain.TriggerType, title string) string {
	switch typ {
	case domain.TriggerRegistrationOpen:
		return "Registration opens: " + title
	case domain.TriggerRegistrationClose:
		return "Registration closes: " + title
	case domain.TriggerEventStart:
		return "Starts: " + title
	case domain.TriggerEventEnd:
		return "Ends: " + title
	default:
		return string(typ) + ": " + title
	}
}
