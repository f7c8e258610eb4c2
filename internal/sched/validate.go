package sched

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/karlvoss/adjutant/internal/apperr"
)

var intervalUnits = map[string]time.Duration{
	UnitMinute: time.Minute,
	UnitHour:   time.Hour,
	UnitDay:    24 * time.Hour,
	UnitWeek:   7 * 24 * time.Hour,
}

var predicateOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpExists: true, OpMatches: true,
}

var predicateValueTypes = map[string]bool{
	"string": true, "number": true, "bool": true,
}

// cronParser accepts the standard five-field expression plus descriptors
// (@daily etc.). No seconds field: sub-minute recurrence is rejected.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validateDefinition checks kind-specific fields. now is the activation
// reference used for future-run checks; activating reports whether the
// schedule will be active (future checks only apply then).
func validateDefinition(kind string, def Definition, tz string, now time.Time, activating bool) error {
	switch kind {
	case KindOnce:
		if def.RunAt == nil {
			return apperr.E(apperr.KindValidation, "once schedule requires run_at")
		}
		if activating && !def.RunAt.After(now) {
			return apperr.E(apperr.KindValidation, "run_at must be in the future")
		}
	case KindInterval:
		if def.IntervalCount <= 0 {
			return apperr.E(apperr.KindValidation, "interval count must be positive")
		}
		if _, ok := intervalUnits[def.IntervalUnit]; !ok {
			return apperr.E(apperr.KindValidation, "interval unit %q not supported (minute, hour, day, week)", def.IntervalUnit)
		}
	case KindCalendar:
		if strings.TrimSpace(tz) == "" {
			return apperr.E(apperr.KindValidation, "calendar schedule requires a timezone")
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return apperr.E(apperr.KindValidation, "timezone %q invalid", tz)
		}
		expr := strings.TrimSpace(def.CronExpr)
		if expr == "" {
			return apperr.E(apperr.KindValidation, "calendar schedule requires a recurrence expression")
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "recurrence expression %q", expr)
		}
	case KindConditional:
		if strings.TrimSpace(def.PredicateSubject) == "" {
			return apperr.E(apperr.KindValidation, "conditional schedule requires a predicate subject")
		}
		if !predicateOperators[def.PredicateOperator] {
			return apperr.E(apperr.KindValidation, "predicate operator %q not supported", def.PredicateOperator)
		}
		if !predicateValueTypes[def.PredicateValueType] {
			return apperr.E(apperr.KindValidation, "predicate value type %q not supported (string, number, bool)", def.PredicateValueType)
		}
		if def.EvalCadenceSeconds <= 0 {
			return apperr.E(apperr.KindValidation, "conditional schedule requires an evaluation cadence")
		}
	default:
		return apperr.E(apperr.KindValidation, "schedule kind %q not supported", kind)
	}
	return nil
}

// NextRun computes the next fire time strictly after now for an active
// schedule. Returns nil when the schedule has no further runs.
func NextRun(s *Schedule, now time.Time) *time.Time {
	now = now.UTC()
	switch s.Kind {
	case KindOnce:
		if s.Def.RunAt == nil || !s.Def.RunAt.After(now) {
			return nil
		}
		t := s.Def.RunAt.UTC()
		return &t

	case KindInterval:
		step := time.Duration(s.Def.IntervalCount) * intervalUnits[s.Def.IntervalUnit]
		if step <= 0 {
			return nil
		}
		anchor := s.CreatedAt.UTC()
		if s.Def.Anchor != nil {
			anchor = s.Def.Anchor.UTC()
		}
		if s.LastRunAt != nil && s.LastRunAt.After(anchor) {
			anchor = s.LastRunAt.UTC()
		}
		next := anchor.Add(step)
		for !next.After(now) {
			next = next.Add(step)
		}
		return &next

	case KindCalendar:
		spec, err := cronParser.Parse(strings.TrimSpace(s.Def.CronExpr))
		if err != nil {
			return nil
		}
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			loc = time.UTC
		}
		next := spec.Next(now.In(loc)).UTC()
		if next.IsZero() {
			return nil
		}
		return &next

	case KindConditional:
		anchor := now
		if s.LastEvaluatedAt != nil && s.LastEvaluatedAt.After(now) {
			anchor = s.LastEvaluatedAt.UTC()
		}
		next := anchor.Add(time.Duration(s.Def.EvalCadenceSeconds) * time.Second)
		return &next
	}
	return nil
}
