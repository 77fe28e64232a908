package store

import (
	"context"

	"github.com/anthropics/ckg/internal/cypher"
)

// fakeExecutor scripts responses per query; all tests in this package
// share it.
type fakeExecutor struct {
	queries []string
	params  []map[string]any
	respond func(query string, params map[string]any) ([]cypher.Row, error)
}

func (f *fakeExecutor) Execute(_ context.Context, query string, params map[string]any, _ cypher.Options) ([]cypher.Row, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if f.respond != nil {
		return f.respond(query, params)
	}
	return nil, nil
}

func (f *fakeExecutor) Transaction(_ context.Context, queries []cypher.Query, _ cypher.Options) ([][]cypher.Row, error) {
	out := make([][]cypher.Row, len(queries))
	for i, q := range queries {
		f.queries = append(f.queries, q.Text)
		f.params = append(f.params, q.Params)
		if f.respond != nil {
			rows, err := f.respond(q.Text, q.Params)
			if err != nil {
				return nil, err
			}
			out[i] = rows
		}
	}
	return out, nil
}

func (f *fakeExecutor) CallProcedure(_ context.Context, name string, params map[string]any, _ cypher.Options) ([]cypher.Row, error) {
	f.queries = append(f.queries, "CALL "+name)
	f.params = append(f.params, params)
	if f.respond != nil {
		return f.respond("CALL "+name, params)
	}
	return nil, nil
}

func (f *fakeExecutor) Close(context.Context) error { return nil }
