package publicoplog

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"
)

// query is a compiled search expression. The zero value matches everything.
type query struct {
	prog cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("index", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("function", cel.StringType),
		// lower-cased searchable text of the entry
		cel.Variable("text", cel.StringType),
		cel.Variable("entry", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// compileQuery accepts a CEL expression yielding a bool. Anything that does
// not compile is searched for as lower-cased free text.
func compileQuery(expr string) (query, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return query{}, nil
	}
	env, err := newEnv()
	if err != nil {
		return query{}, err
	}
	prog, err := compile(env, expr)
	if err == nil {
		return query{prog: prog}, nil
	}
	prog, err = compile(env, "text.contains("+strconv.Quote(strings.ToLower(expr))+")")
	if err != nil {
		return query{}, errors.Wrap(err, "publicoplog: compile free text query")
	}
	return query{prog: prog}, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, errors.Newf("query must be a bool expression, got %s", t)
	}
	return env.Program(ast)
}

// matches evaluates the query against e. Evaluation errors count as no
// match.
func (q query) matches(e PublicEntry) bool {
	if q.prog == nil {
		return true
	}
	out, _, err := q.prog.Eval(map[string]any{
		"kind":     e.Kind,
		"index":    int64(e.Index),
		"ts_ms":    e.Timestamp.UnixMilli(),
		"function": e.Function,
		"text":     e.text,
		"entry":    e.Details,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
