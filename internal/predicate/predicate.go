// Package predicate evaluates conditional-schedule predicates against
// externally resolved subject values and records each evaluation exactly once.
package predicate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/karlvoss/adjutant/internal/sched"
)

// Evaluation statuses.
const (
	StatusTrue  = "TRUE"
	StatusFalse = "FALSE"
	StatusError = "ERROR"
)

// Result codes.
const (
	CodeMatched             = "matched"
	CodeNotMatched          = "not_matched"
	CodeSubjectMissing      = "subject_missing"
	CodeSubjectUnavailable  = "subject_unavailable"
	CodeCoercionFailed      = "coercion_failed"
	CodeOperatorUnsupported = "operator_unsupported"
)

// Result is the outcome of one predicate evaluation.
type Result struct {
	EvaluationID string    `json:"evaluation_id"`
	ScheduleID   int64     `json:"schedule_id"`
	Status       string    `json:"status"` // TRUE, FALSE, ERROR
	ResultCode   string    `json:"result_code"`
	Observed     string    `json:"observed,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Duplicate    bool      `json:"duplicate,omitempty"`
	ExecutionID  int64     `json:"execution_id,omitempty"`
}

// SubjectResolver fetches the current value of a predicate subject. found is
// false when the subject has no value; errors mean the source is unreachable.
type SubjectResolver interface {
	Resolve(ctx context.Context, subject string) (value string, found bool, err error)
}

// SubjectResolverFunc adapts a function to the SubjectResolver interface.
type SubjectResolverFunc func(ctx context.Context, subject string) (string, bool, error)

func (f SubjectResolverFunc) Resolve(ctx context.Context, subject string) (string, bool, error) {
	return f(ctx, subject)
}

// compare applies the declared operator to (observed, literal) using the
// declared value type. exists is handled by the caller since it needs the
// found flag rather than a value.
func compare(def sched.Definition, observed string) (bool, string) {
	switch def.PredicateValueType {
	case "number":
		return compareNumber(def.PredicateOperator, observed, def.PredicateValue)
	case "bool":
		return compareBool(def.PredicateOperator, observed, def.PredicateValue)
	default:
		return compareString(def.PredicateOperator, observed, def.PredicateValue)
	}
}

func compareNumber(op, observed, literal string) (bool, string) {
	a, err := strconv.ParseFloat(strings.TrimSpace(observed), 64)
	if err != nil {
		return false, CodeCoercionFailed
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(literal), 64)
	if err != nil {
		return false, CodeCoercionFailed
	}
	switch op {
	case sched.OpEq, sched.OpMatches:
		return a == b, ""
	case sched.OpNeq:
		return a != b, ""
	case sched.OpGt:
		return a > b, ""
	case sched.OpGte:
		return a >= b, ""
	case sched.OpLt:
		return a < b, ""
	case sched.OpLte:
		return a <= b, ""
	default:
		return false, CodeOperatorUnsupported
	}
}

func compareBool(op, observed, literal string) (bool, string) {
	a, err := strconv.ParseBool(strings.TrimSpace(observed))
	if err != nil {
		return false, CodeCoercionFailed
	}
	b, err := strconv.ParseBool(strings.TrimSpace(literal))
	if err != nil {
		return false, CodeCoercionFailed
	}
	switch op {
	case sched.OpEq, sched.OpMatches:
		return a == b, ""
	case sched.OpNeq:
		return a != b, ""
	default:
		return false, CodeOperatorUnsupported
	}
}

// compareString orders lexicographically for the relational operators.
// matches is literal equality.
func compareString(op, observed, literal string) (bool, string) {
	switch op {
	case sched.OpEq, sched.OpMatches:
		return observed == literal, ""
	case sched.OpNeq:
		return observed != literal, ""
	case sched.OpGt:
		return observed > literal, ""
	case sched.OpGte:
		return observed >= literal, ""
	case sched.OpLt:
		return observed < literal, ""
	case sched.OpLte:
		return observed <= literal, ""
	default:
		return false, CodeOperatorUnsupported
	}
}
