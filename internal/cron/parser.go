// Package cron parses the schedule the reconciler sweeps on.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type Parser struct {
	parser cron.Parser
}

// NewParser accepts standard five-field expressions and descriptors such
// as "@hourly" or "@every 10m".
func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Parse compiles expression evaluated in timezone. An empty timezone means UTC.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expression, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Schedule yields successive activation times.
type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Validate reports whether expression would parse.
func (p *Parser) Validate(expression string) error {
	_, err := p.Parse(expression, "")
	return err
}
