package metadata

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/status"
)

// operators in match order; two-character operators first.
var operators = []struct {
	token string
	cmp   Comparator
}{
	{"!=", NotEqual},
	{"<=", LessEqual},
	{">=", GreaterEqual},
	{"!~", NotLike},
	{"^=", StartsWith},
	{"=", Equal},
	{"<", Less},
	{">", Greater},
	{"~", Like},
}

// ParseFilter parses whitespace separated terms such as
//
//	name^=order- status!=Exited version>=3 env.REGION=eu created<2024-01-01T00:00:00Z
//
// into a filter that matches when every term matches. An empty string
// yields a nil filter.
func ParseFilter(s string) (Filter, error) {
	terms := strings.Fields(s)
	if len(terms) == 0 {
		return nil, nil
	}
	out := make(And, 0, len(terms))
	for _, term := range terms {
		f, err := parseTerm(term)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func parseTerm(term string) (Filter, error) {
	for _, op := range operators {
		i := strings.Index(term, op.token)
		if i <= 0 {
			continue
		}
		field, value := term[:i], term[i+len(op.token):]
		return buildFilter(field, op.cmp, value)
	}
	return nil, errors.Newf("filter term %q: missing operator", term)
}

func buildFilter(field string, cmp Comparator, value string) (Filter, error) {
	switch {
	case field == "name":
		return NameFilter{Comparator: cmp, Value: value}, nil
	case field == "status":
		st, err := status.ParseWorkerStatus(value)
		if err != nil {
			return nil, err
		}
		return StatusFilter{Comparator: cmp, Value: st}, nil
	case field == "version":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "filter version %q", value)
		}
		return VersionFilter{Comparator: cmp, Value: v}, nil
	case field == "created":
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, errors.Wrapf(err, "filter created %q", value)
		}
		return CreatedAtFilter{Comparator: cmp, Value: t}, nil
	case strings.HasPrefix(field, "env.") && len(field) > len("env."):
		return EnvFilter{Name: strings.TrimPrefix(field, "env."), Comparator: cmp, Value: value}, nil
	default:
		return nil, errors.Newf("filter: unknown field %q", field)
	}
}
