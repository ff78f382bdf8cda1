// Package badgerstore keeps job records in an embedded Badger database
// through badgerhold. Status checks and writes share one transaction, so a
// transition is a compare-and-set on the stored status.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/job"
)

const resource = "job"

// Claims live outside badgerhold's typed keyspace.
const claimPrefix = "claim:"

func claimKey(id string) []byte { return []byte(claimPrefix + id) }

// Config controls where the database lives.
type Config struct {
	Path     string
	InMemory bool // for tests
}

// Store is a job.Repository backed by badgerhold.
type Store struct {
	db *badgerhold.Store
}

var _ job.Repository = (*Store)(nil)

// Open opens or creates the database.
func Open(cfg Config) (*Store, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil
	// Records are stored as JSON, the same encoding as the file backend.
	options.Encoder = json.Marshal
	options.Decoder = json.Unmarshal

	if cfg.InMemory {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = cfg.Path
		options.ValueDir = cfg.Path
	}

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Init is a no-op; the database is ready once opened.
func (s *Store) Init(_ context.Context) error { return nil }

// Clear deletes every job record and claim.
func (s *Store) Clear(_ context.Context) error {
	if err := s.db.DeleteMatching(&job.Job{}, nil); err != nil {
		return apperrors.Internal("clear jobs", err)
	}
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(claimPrefix)
		it := tx.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Internal("clear job claims", err)
	}
	return nil
}

// Create inserts a record, failing if the id is taken.
func (s *Store) Create(_ context.Context, j *job.Job) error {
	if err := s.db.Insert(j.ID, j); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return apperrors.AlreadyExists(resource, j.ID)
		}
		return apperrors.Internal("insert job", err)
	}
	return nil
}

// Get loads a record by id.
func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := s.db.Get(id, &j); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, apperrors.NotFound(resource, id)
		}
		return nil, apperrors.Internal("get job", err)
	}
	if j.Steps == nil {
		j.Steps = []job.Step{}
	}
	return &j, nil
}

// Update rewrites a record whose stored status equals j.Status.
func (s *Store) Update(_ context.Context, j *job.Job) error {
	return s.compareAndSwap(j, j.Status)
}

// Transition stores j if the stored status is still from.
func (s *Store) Transition(_ context.Context, j *job.Job, from job.Status) error {
	return s.compareAndSwap(j, from)
}

func (s *Store) compareAndSwap(j *job.Job, expected job.Status) error {
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		var current job.Job
		if err := s.db.TxGet(tx, j.ID, &current); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return apperrors.NotFound(resource, j.ID)
			}
			return err
		}
		if current.Status != expected {
			return apperrors.InvalidState(resource, j.ID, string(current.Status), fmt.Sprintf("expected %s", expected))
		}
		return s.db.TxUpdate(tx, j.ID, j)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrInvalidState):
		return err
	case errors.Is(err, badger.ErrConflict):
		return apperrors.InvalidState(resource, j.ID, string(expected), "record changed concurrently")
	default:
		return apperrors.Internal("update job", err)
	}
}

// Delete removes a record.
func (s *Store) Delete(_ context.Context, id string) error {
	if err := s.db.Delete(id, job.Job{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return apperrors.NotFound(resource, id)
		}
		return apperrors.Internal("delete job", err)
	}
	return nil
}

// List returns records in status, or all records when status is empty.
func (s *Store) List(_ context.Context, status job.Status) ([]*job.Job, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(status)
	}

	var found []job.Job
	if err := s.db.Find(&found, query); err != nil {
		return nil, apperrors.Internal("list jobs", err)
	}

	jobs := make([]*job.Job, 0, len(found))
	for i := range found {
		if found[i].Steps == nil {
			found[i].Steps = []job.Step{}
		}
		jobs = append(jobs, &found[i])
	}
	slices.SortFunc(jobs, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

// Claim stores the job's claim key if it is absent. The check and the write
// share one transaction.
func (s *Store) Claim(_ context.Context, id string) error {
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		_, err := tx.Get(claimKey(id))
		switch {
		case err == nil:
			return apperrors.InvalidState(resource, id, string(job.StatusQueued), "the job is already running")
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return tx.Set(claimKey(id), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrInvalidState):
		return err
	case errors.Is(err, badger.ErrConflict):
		return apperrors.InvalidState(resource, id, string(job.StatusQueued), "the job was claimed concurrently")
	default:
		return apperrors.Internal("claim job", err)
	}
}

// Release deletes the job's claim key.
func (s *Store) Release(_ context.Context, id string) error {
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		return tx.Delete(claimKey(id))
	})
	if err != nil {
		return apperrors.Internal("release job claim", err)
	}
	return nil
}

// Ready reports whether the database is open.
func (s *Store) Ready(_ context.Context) error {
	if s.db.Badger().IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}
