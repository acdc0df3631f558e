package internal

import (
	"github.com/Knetic/govaluate"
)

// Filter is a compiled boolean expression evaluated against flattened event
// payloads. Notification configs use it as an optional extra guard on top of
// the branch/status lists, e.g. `buildset.total > 3 && branch != "wip"`.
type Filter struct {
	expr *govaluate.EvaluableExpression
}

// CompileFilter compiles a filter expression. An empty expression yields a
// nil filter, which matches everything.
func CompileFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr}, nil
}

// Match evaluates the filter against an event. Evaluation errors (missing
// fields, type mismatches) count as non-matches rather than failures so a
// bad expression cannot stall the dispatch loop.
func (f *Filter) Match(evt Event) bool {
	if f == nil || f.expr == nil {
		return true
	}
	data := evt.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	params := Flatten(data)
	if evt.Status != "" {
		params["status"] = evt.Status
	}
	if evt.Branch != "" {
		params["branch"] = evt.Branch
	}
	params["event_type"] = evt.Type
	result, err := f.expr.Evaluate(params)
	if err != nil {
		return false
	}
	ok, _ := result.(bool)
	return ok
}
