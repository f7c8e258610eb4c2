package predicate

import (
	"testing"

	"github.com/karlvoss/adjutant/internal/sched"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		valueType string
		op        string
		observed  string
		literal   string
		want      bool
		wantCode  string
	}{
		{"number gt true", "number", sched.OpGt, "12", "10", true, ""},
		{"number gt false", "number", sched.OpGt, "9", "10", false, ""},
		{"number gte boundary", "number", sched.OpGte, "10", "10", true, ""},
		{"number eq float", "number", sched.OpEq, "1.50", "1.5", true, ""},
		{"number matches is eq", "number", sched.OpMatches, "3", "3", true, ""},
		{"number coercion observed", "number", sched.OpGt, "lots", "10", false, CodeCoercionFailed},
		{"number coercion literal", "number", sched.OpGt, "10", "many", false, CodeCoercionFailed},

		{"bool eq", "bool", sched.OpEq, "true", "true", true, ""},
		{"bool neq", "bool", sched.OpNeq, "true", "false", true, ""},
		{"bool relational unsupported", "bool", sched.OpGt, "true", "false", false, CodeOperatorUnsupported},
		{"bool coercion", "bool", sched.OpEq, "yes", "true", false, CodeCoercionFailed},

		{"string eq", "string", sched.OpEq, "inbox", "inbox", true, ""},
		{"string neq", "string", sched.OpNeq, "inbox", "outbox", true, ""},
		{"string lexicographic gt", "string", sched.OpGt, "b", "a", true, ""},
		{"string lte", "string", sched.OpLte, "a", "a", true, ""},
		{"string unknown op", "string", "approx", "a", "a", false, CodeOperatorUnsupported},
	}
	for _, tt := range tests {
		def := sched.Definition{
			PredicateOperator:  tt.op,
			PredicateValue:     tt.literal,
			PredicateValueType: tt.valueType,
		}
		got, code := compare(def, tt.observed)
		if got != tt.want || code != tt.wantCode {
			t.Errorf("%s: compare() = (%v, %q), want (%v, %q)", tt.name, got, code, tt.want, tt.wantCode)
		}
	}
}
