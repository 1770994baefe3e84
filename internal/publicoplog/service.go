package publicoplog

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

const (
	// DefaultPageSize is used when a caller asks for zero entries.
	DefaultPageSize = 100
	// searchChunk is the number of entries read per step while searching.
	searchChunk = 256
)

// PublicEntry is an oplog entry with its payloads resolved, shaped for
// clients.
type PublicEntry struct {
	Index     oplog.Index     `json:"index"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Function  string          `json:"function,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`

	text string
}

// Page is one page of entries. Next is empty once the end of the oplog
// was reached.
type Page struct {
	Entries          []PublicEntry `json:"entries"`
	Next             string        `json:"next,omitempty"`
	ComponentVersion uint64        `json:"component_version"`
}

// Service reads oplogs for external clients.
type Service struct {
	oplogs oplog.Service
	log    log.Logger
}

func NewService(oplogs oplog.Service, logger log.Logger) *Service {
	return &Service{oplogs: oplogs, log: log.OrNop(logger).WithComponent("publicoplog")}
}

// start resolves where a page begins. A cursor wins over from; otherwise
// the component version is the one in effect just before from.
func (s *Service) start(ctx context.Context, owned oplog.OwnedWorkerID, cursor string, from oplog.Index) (Cursor, error) {
	if cursor != "" {
		return ParseCursor(cursor)
	}
	if from == oplog.NoneIndex {
		from = oplog.InitialIndex
	}
	c := Cursor{NextIndex: oplog.InitialIndex}
	for c.NextIndex < from {
		n := uint64(from - c.NextIndex)
		if n > searchChunk {
			n = searchChunk
		}
		entries, err := s.oplogs.Read(ctx, owned, c.NextIndex, n)
		if err != nil {
			return Cursor{}, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			c.observe(e)
		}
	}
	c.NextIndex = from
	return c, nil
}

// observe advances c past e, tracking the component version.
func (c *Cursor) observe(e oplog.IndexedEntry) {
	c.NextIndex = e.Index.Next()
	switch entry := e.Entry.(type) {
	case oplog.Create:
		c.ComponentVersion = entry.ComponentVersion
	case oplog.SuccessfulUpdate:
		c.ComponentVersion = entry.TargetVersion
	}
}

// Get returns up to count entries starting at the cursor, or at from when
// cursor is empty.
func (s *Service) Get(ctx context.Context, owned oplog.OwnedWorkerID, cursor string, from oplog.Index, count int) (Page, error) {
	return s.page(ctx, owned, cursor, from, count, query{})
}

// Search returns up to count entries matching expr, a CEL expression over
// kind, index, ts_ms, function, text and entry, or plain text.
func (s *Service) Search(ctx context.Context, owned oplog.OwnedWorkerID, expr, cursor string, count int) (Page, error) {
	q, err := compileQuery(expr)
	if err != nil {
		return Page{}, err
	}
	return s.page(ctx, owned, cursor, oplog.InitialIndex, count, q)
}

func (s *Service) page(ctx context.Context, owned oplog.OwnedWorkerID, cursor string, from oplog.Index, count int, q query) (Page, error) {
	if count <= 0 {
		count = DefaultPageSize
	}
	c, err := s.start(ctx, owned, cursor, from)
	if err != nil {
		return Page{}, err
	}
	last, err := s.oplogs.GetLastIndex(ctx, owned)
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: []PublicEntry{}}
	for c.NextIndex <= last && len(page.Entries) < count {
		n := uint64(searchChunk)
		if q.prog == nil {
			n = uint64(count - len(page.Entries))
		}
		entries, err := s.oplogs.Read(ctx, owned, c.NextIndex, n)
		if err != nil {
			return Page{}, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			c.observe(e)
			pub, err := s.toPublic(ctx, owned, e)
			if err != nil {
				return Page{}, err
			}
			if !q.matches(pub) {
				continue
			}
			page.Entries = append(page.Entries, pub)
			if len(page.Entries) == count {
				break
			}
		}
	}
	page.ComponentVersion = c.ComponentVersion
	if c.NextIndex <= last {
		page.Next = c.String()
	}
	return page, nil
}

func (s *Service) toPublic(ctx context.Context, owned oplog.OwnedWorkerID, e oplog.IndexedEntry) (PublicEntry, error) {
	pub := PublicEntry{
		Index:     e.Index,
		Kind:      e.Entry.Kind().String(),
		Timestamp: e.Entry.Timestamp(),
	}
	var request, response *oplog.Payload
	switch entry := e.Entry.(type) {
	case oplog.ImportedFunctionInvoked:
		pub.Function = entry.FunctionName
		request, response = &entry.Request, &entry.Response
	case oplog.ExportedFunctionInvoked:
		pub.Function = entry.FunctionName
		request = &entry.Request
	case oplog.ExportedFunctionCompleted:
		response = &entry.Response
	}
	var err error
	if pub.Request, err = s.resolve(ctx, owned, request); err != nil {
		return PublicEntry{}, err
	}
	if pub.Response, err = s.resolve(ctx, owned, response); err != nil {
		return PublicEntry{}, err
	}
	if pub.Details, err = details(e.Entry); err != nil {
		return PublicEntry{}, errors.Wrapf(err, "describe entry %d", e.Index)
	}

	var text strings.Builder
	text.WriteString(pub.Kind)
	for _, part := range []string{pub.Function, string(pub.Request), string(pub.Response)} {
		if part != "" {
			text.WriteByte(' ')
			text.WriteString(part)
		}
	}
	switch entry := e.Entry.(type) {
	case oplog.Log:
		text.WriteString(" " + entry.Context + " " + entry.Message)
	case oplog.Error:
		text.WriteString(" " + entry.Error.String())
	case oplog.FailedUpdate:
		text.WriteString(" " + entry.Details)
	}
	pub.text = strings.ToLower(text.String())
	return pub, nil
}

// resolve downloads p and returns it as JSON: the bytes themselves when
// they are JSON, a string when they are text, base64 otherwise.
func (s *Service) resolve(ctx context.Context, owned oplog.OwnedWorkerID, p *oplog.Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	data, err := s.oplogs.DownloadPayload(ctx, owned, *p)
	if err != nil {
		s.log.Warn("payload unavailable", log.WorkerID(owned), log.Err(err))
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	var v any = data
	if utf8.Valid(data) {
		v = string(data)
	}
	return json.Marshal(v)
}

// details flattens the entry's own fields, without payloads and timestamp,
// into a map.
func details(e oplog.Entry) (map[string]any, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for _, k := range []string{"At", "Request", "Response"} {
		delete(m, k)
	}
	return m, nil
}
