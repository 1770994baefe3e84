package metadata

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/status"
	"github.com/rzbill/golem-oplog/pkg/log"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no metadata is stored for a worker.
var ErrNotFound = errors.New("metadata: worker not found")

// listBatch is the number of rows fetched per query while listing.
const listBatch = 256

// WorkerMetadata is what the executor knows about a worker besides its
// oplog. Status is the last cached status record.
type WorkerMetadata struct {
	WorkerID  oplog.OwnedWorkerID `json:"worker_id"`
	Args      []string            `json:"args"`
	Env       []oplog.KeyValue    `json:"env"`
	CreatedBy string              `json:"created_by,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Status    *status.Record      `json:"status"`
}

// FromCreate builds the metadata of a worker from its Create entry.
func FromCreate(projectID uuid.UUID, create oplog.Create) WorkerMetadata {
	return WorkerMetadata{
		WorkerID:  oplog.OwnedWorkerID{ProjectID: projectID, WorkerID: create.WorkerID},
		Args:      create.Args,
		Env:       create.Env,
		CreatedBy: create.CreatedBy,
		CreatedAt: create.Timestamp(),
	}
}

// Store keeps worker metadata in SQLite.
type Store struct {
	db  *sql.DB
	log log.Logger
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, logger log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "metadata: open database")
	}
	// one writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		schemaSQL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "metadata: %.40s", stmt)
		}
	}
	return &Store{db: db, log: log.OrNop(logger).WithComponent("metadata")}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces the metadata of a worker.
func (s *Store) Put(ctx context.Context, m WorkerMetadata) error {
	if m.Status == nil {
		m.Status = status.NewRecord()
	}
	args, err := json.Marshal(m.Args)
	if err != nil {
		return err
	}
	env, err := json.Marshal(m.Env)
	if err != nil {
		return err
	}
	record, err := json.Marshal(m.Status)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (project_id, component_id, worker_name, args, env, created_by, created_at_ms, component_version, status, status_record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, component_id, worker_name) DO UPDATE SET
			args = excluded.args,
			env = excluded.env,
			created_by = excluded.created_by,
			created_at_ms = excluded.created_at_ms,
			component_version = excluded.component_version,
			status = excluded.status,
			status_record = excluded.status_record`,
		m.WorkerID.ProjectID.String(), m.WorkerID.WorkerID.ComponentID.String(), m.WorkerID.WorkerID.Name,
		string(args), string(env), m.CreatedBy, m.CreatedAt.UnixMilli(),
		int64(m.Status.ComponentVersion), m.Status.Status.String(), string(record))
	if err != nil {
		return errors.Wrapf(err, "metadata: put %s", m.WorkerID)
	}
	return nil
}

// UpdateStatus replaces the cached status record of an existing worker.
func (s *Store) UpdateStatus(ctx context.Context, owned oplog.OwnedWorkerID, r *status.Record) error {
	record, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET component_version = ?, status = ?, status_record = ?
		WHERE project_id = ? AND component_id = ? AND worker_name = ?`,
		int64(r.ComponentVersion), r.Status.String(), string(record),
		owned.ProjectID.String(), owned.WorkerID.ComponentID.String(), owned.WorkerID.Name)
	if err != nil {
		return errors.Wrapf(err, "metadata: update status of %s", owned)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "%s", owned)
	}
	return nil
}

const selectColumns = `rowid, project_id, component_id, worker_name, args, env, created_by, created_at_ms, status_record`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (int64, WorkerMetadata, error) {
	var (
		rowid                                   int64
		project, component, name, args, env, by string
		createdMs                               int64
		record                                  string
		m                                       WorkerMetadata
	)
	if err := row.Scan(&rowid, &project, &component, &name, &args, &env, &by, &createdMs, &record); err != nil {
		return 0, m, err
	}
	var err error
	if m.WorkerID.ProjectID, err = uuid.Parse(project); err != nil {
		return 0, m, err
	}
	if m.WorkerID.WorkerID.ComponentID, err = uuid.Parse(component); err != nil {
		return 0, m, err
	}
	m.WorkerID.WorkerID.Name = name
	m.CreatedBy = by
	m.CreatedAt = time.UnixMilli(createdMs).UTC()
	if err := json.Unmarshal([]byte(args), &m.Args); err != nil {
		return 0, m, err
	}
	if err := json.Unmarshal([]byte(env), &m.Env); err != nil {
		return 0, m, err
	}
	m.Status = status.NewRecord()
	if err := json.Unmarshal([]byte(record), m.Status); err != nil {
		return 0, m, err
	}
	return rowid, m, nil
}

func (s *Store) Get(ctx context.Context, owned oplog.OwnedWorkerID) (WorkerMetadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM workers
		WHERE project_id = ? AND component_id = ? AND worker_name = ?`,
		owned.ProjectID.String(), owned.WorkerID.ComponentID.String(), owned.WorkerID.Name)
	_, m, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerMetadata{}, errors.Wrapf(ErrNotFound, "%s", owned)
	}
	if err != nil {
		return WorkerMetadata{}, errors.Wrapf(err, "metadata: get %s", owned)
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, owned oplog.OwnedWorkerID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE project_id = ? AND component_id = ? AND worker_name = ?`,
		owned.ProjectID.String(), owned.WorkerID.ComponentID.String(), owned.WorkerID.Name)
	return errors.Wrapf(err, "metadata: delete %s", owned)
}

// List returns up to count workers of a component matching filter, in
// insertion order, starting after cursor. The returned cursor is zero once
// every worker was examined. A nil filter matches every worker.
func (s *Store) List(ctx context.Context, projectID, componentID uuid.UUID, filter Filter, cursor uint64, count int) ([]WorkerMetadata, uint64, error) {
	out := []WorkerMetadata{}
	after := int64(cursor)
	for {
		rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM workers
			WHERE project_id = ? AND component_id = ? AND rowid > ?
			ORDER BY rowid LIMIT ?`,
			projectID.String(), componentID.String(), after, listBatch)
		if err != nil {
			return nil, 0, errors.Wrap(err, "metadata: list workers")
		}
		n := 0
		for rows.Next() {
			rowid, m, err := scanRow(rows)
			if err != nil {
				_ = rows.Close()
				return nil, 0, errors.Wrap(err, "metadata: decode worker")
			}
			n++
			after = rowid
			if filter == nil || filter.Matches(m) {
				out = append(out, m)
				if len(out) == count {
					_ = rows.Close()
					return out, uint64(after), nil
				}
			}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, 0, errors.Wrap(err, "metadata: list workers")
		}
		if n < listBatch {
			return out, 0, nil
		}
	}
}

// RefreshStatus brings the cached status of a worker up to date with its
// oplog and stores it. Workers without metadata are registered from their
// Create entry.
func (s *Store) RefreshStatus(ctx context.Context, owned oplog.OwnedWorkerID, oplogs oplog.Service, defaultRetry oplog.RetryConfig) (*status.Record, error) {
	m, err := s.Get(ctx, owned)
	switch {
	case errors.Is(err, ErrNotFound):
		first, err := oplogs.Read(ctx, owned, oplog.InitialIndex, 1)
		if err != nil {
			return nil, err
		}
		if len(first) == 0 {
			return nil, errors.Wrapf(ErrNotFound, "%s has no oplog", owned)
		}
		create, ok := first[0].Entry.(oplog.Create)
		if !ok {
			return nil, errors.Newf("metadata: first entry of %s is %s", owned, first[0].Entry.Kind())
		}
		m = FromCreate(owned.ProjectID, create)
	case err != nil:
		return nil, err
	}

	cached := m.Status
	if cached != nil && cached.OplogIdx == oplog.NoneIndex {
		cached = nil
	}
	r, err := status.Calculate(ctx, oplogs, owned, cached, defaultRetry)
	if err != nil {
		return nil, err
	}
	if m.Status != nil && r.OplogIdx == m.Status.OplogIdx {
		return r, nil
	}
	m.Status = r
	if err := s.Put(ctx, m); err != nil {
		return nil, err
	}
	s.log.Debug("status refreshed", log.WorkerID(owned), log.OplogIdx("oplog_idx", uint64(r.OplogIdx)), log.Str("status", r.Status.String()))
	return r, nil
}
