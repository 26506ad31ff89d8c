// Package eventfilter evaluates a jq filter query against the JSON
// payload of incoming events. Events the query does not match are
// discarded before any build is triggered.
package eventfilter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Filter is a compiled jq query that decides if an event triggers a
// build.
type Filter struct {
	query *gojq.Query
}

// New compiles the jq query. An empty query matches every event.
func New(jqQuery string) (*Filter, error) {
	if jqQuery == "" {
		return &Filter{}, nil
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, err
	}

	return &Filter{query: query}, nil
}

// Match returns true if the filter-query evaluates to true for the
// JSON representation of the event payload.
// The query must return exactly one boolean result.
func (f *Filter) Match(ctx context.Context, payload []byte) (bool, error) {
	if f.query == nil {
		return true, nil
	}

	if len(payload) == 0 {
		return false, errors.New("json payload of event is empty")
	}

	var evUn any
	if err := json.Unmarshal(payload, &evUn); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := iterToSlice(f.query.RunWithContext(ctx, evUn))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return val, nil
}

func (f *Filter) String() string {
	if f.query == nil {
		return "<match-all>"
	}

	return f.query.String()
}

func iterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}
