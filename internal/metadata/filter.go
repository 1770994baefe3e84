package metadata

import (
	"strings"
	"time"

	"github.com/rzbill/golem-oplog/internal/status"
)

// Comparator compares a worker property with a filter value.
type Comparator int

const (
	Equal Comparator = iota
	NotEqual
	Less
	LessEqual
	Greater
	GreaterEqual
	// Like matches when the property contains the value.
	Like
	NotLike
	StartsWith
)

func compareOrdered[T int | int64 | uint64 | string](c Comparator, got, want T) bool {
	switch c {
	case Equal:
		return got == want
	case NotEqual:
		return got != want
	case Less:
		return got < want
	case LessEqual:
		return got <= want
	case Greater:
		return got > want
	case GreaterEqual:
		return got >= want
	default:
		return false
	}
}

func compareString(c Comparator, got, want string) bool {
	switch c {
	case Like:
		return strings.Contains(got, want)
	case NotLike:
		return !strings.Contains(got, want)
	case StartsWith:
		return strings.HasPrefix(got, want)
	default:
		return compareOrdered(c, got, want)
	}
}

// Filter selects workers in List.
type Filter interface {
	Matches(m WorkerMetadata) bool
}

type NameFilter struct {
	Comparator Comparator
	Value      string
}

func (f NameFilter) Matches(m WorkerMetadata) bool {
	return compareString(f.Comparator, m.WorkerID.WorkerID.Name, f.Value)
}

// VersionFilter compares the component version the worker runs.
type VersionFilter struct {
	Comparator Comparator
	Value      uint64
}

func (f VersionFilter) Matches(m WorkerMetadata) bool {
	return compareOrdered(f.Comparator, m.Status.ComponentVersion, f.Value)
}

// StatusFilter compares statuses by their declaration order.
type StatusFilter struct {
	Comparator Comparator
	Value      status.WorkerStatus
}

func (f StatusFilter) Matches(m WorkerMetadata) bool {
	return compareOrdered(f.Comparator, int(m.Status.Status), int(f.Value))
}

// EnvFilter compares the value of one environment variable. Workers
// without the variable never match.
type EnvFilter struct {
	Name       string
	Comparator Comparator
	Value      string
}

func (f EnvFilter) Matches(m WorkerMetadata) bool {
	for _, kv := range m.Env {
		if kv.Key == f.Name {
			return compareString(f.Comparator, kv.Value, f.Value)
		}
	}
	return false
}

type CreatedAtFilter struct {
	Comparator Comparator
	Value      time.Time
}

func (f CreatedAtFilter) Matches(m WorkerMetadata) bool {
	got, want := m.CreatedAt.UnixMilli(), f.Value.UnixMilli()
	return compareOrdered(f.Comparator, got, want)
}

// And matches when every filter matches.
type And []Filter

func (f And) Matches(m WorkerMetadata) bool {
	for _, sub := range f {
		if !sub.Matches(m) {
			return false
		}
	}
	return true
}

// Or matches when any filter matches.
type Or []Filter

func (f Or) Matches(m WorkerMetadata) bool {
	for _, sub := range f {
		if sub.Matches(m) {
			return true
		}
	}
	return false
}

type Not struct {
	Filter Filter
}

func (f Not) Matches(m WorkerMetadata) bool { return !f.Filter.Matches(m) }
