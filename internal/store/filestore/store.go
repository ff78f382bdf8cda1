// Package filestore keeps job records as JSON files, one directory per
// status:
//
//	<root>/draft/<id>.json
//	<root>/queued/<id>.json
//	<root>/completed/<id>.json
//	<root>/failed/<id>.json
//
// The directory a record sits in is its status. Writes go through a temp
// file, fsync and rename; a status change is a rename between directories,
// so at most one caller can move a record out of a given status.
//
// Two kinds of marker files coordinate processes sharing a root, both
// created with O_EXCL:
//
//	<root>/<id>.lock          held for the duration of one record write
//	<root>/queued/<id>.claim  held while the job runs
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/job"
)

const (
	recordExt  = ".json"
	lockExt    = ".lock"
	claimExt   = ".claim"
	resource   = "job"
	dirPerm    = 0o755
	recordPerm = 0o644

	lockRetry = 2 * time.Millisecond
	// A write lock older than this was left by a crashed process.
	lockStale = 30 * time.Second
)

// Store is a job.Repository backed by the local filesystem.
type Store struct {
	root string
}

var _ job.Repository = (*Store)(nil)

// New returns a store rooted at root. Call Init before use.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("jobs root is required")
	}
	return &Store{root: root}, nil
}

// Root returns the jobs directory.
func (s *Store) Root() string { return s.root }

func (s *Store) dir(status job.Status) string {
	return filepath.Join(s.root, string(status))
}

func (s *Store) path(status job.Status, id string) string {
	return filepath.Join(s.dir(status), id+recordExt)
}

// Init creates the status directories.
func (s *Store) Init(_ context.Context) error {
	for _, status := range job.Statuses {
		if err := ensureDirDurable(s.dir(status)); err != nil {
			return apperrors.Internal("create jobs directory", err)
		}
	}
	return nil
}

// Clear removes the jobs root and everything in it.
func (s *Store) Clear(_ context.Context) error {
	if err := os.RemoveAll(s.root); err != nil {
		return apperrors.Internal("clear jobs directory", err)
	}
	return nil
}

// Create writes a new draft record. Linking the finished temp file into
// place fails if the name is taken, so an existing record is never replaced.
func (s *Store) Create(_ context.Context, j *job.Job) error {
	if _, _, err := s.locate(j.ID); err == nil {
		return apperrors.AlreadyExists(resource, j.ID)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	data, err := marshalRecord(j)
	if err != nil {
		return err
	}
	dst := s.path(j.Status, j.ID)
	tmp, err := writeTemp(filepath.Dir(dst), filepath.Base(dst), data)
	if err != nil {
		return apperrors.Internal("write job record", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperrors.AlreadyExists(resource, j.ID)
		}
		return apperrors.Internal("write job record", err)
	}
	if err := fsyncDir(filepath.Dir(dst)); err != nil {
		return apperrors.Internal("sync jobs directory", err)
	}
	return nil
}

// Get loads a record. Its status is taken from the directory it was found in.
func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	_, path, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	return s.load(path)
}

// Update rewrites a record in place. The record must still be in j.Status.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	unlock, err := s.lockRecord(ctx, j.ID)
	if err != nil {
		return err
	}
	defer unlock()

	status, path, err := s.locate(j.ID)
	if err != nil {
		return err
	}
	if status != j.Status {
		return apperrors.InvalidState(resource, j.ID, string(status), "record changed state concurrently")
	}
	data, err := marshalRecord(j)
	if err != nil {
		return err
	}
	if err := writeFileAtomicDurable(path, data); err != nil {
		return apperrors.Internal("write job record", err)
	}
	return nil
}

// Transition moves a record from the from directory into j.Status and
// rewrites it. The rename fails for every caller but one, which makes it
// the compare-and-set on status. A crash between the rename and the rewrite
// leaves the record in the right directory with stale step statuses.
func (s *Store) Transition(ctx context.Context, j *job.Job, from job.Status) error {
	unlock, err := s.lockRecord(ctx, j.ID)
	if err != nil {
		return err
	}
	defer unlock()

	src := s.path(from, j.ID)
	dst := s.path(j.Status, j.ID)
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return apperrors.Internal("create jobs directory", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return apperrors.InvalidState(resource, j.ID, string(j.Status), "record is already in the target state")
	}

	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return apperrors.Internal("move job record", err)
		}
		status, _, lerr := s.locate(j.ID)
		if lerr != nil {
			return lerr
		}
		return apperrors.InvalidState(resource, j.ID, string(status), fmt.Sprintf("expected %s", from))
	}

	data, err := marshalRecord(j)
	if err != nil {
		return err
	}
	if err := writeFileAtomicDurable(dst, data); err != nil {
		return apperrors.Internal("write job record", err)
	}
	if err := fsyncDir(filepath.Dir(src)); err != nil {
		return apperrors.Internal("sync jobs directory", err)
	}
	return nil
}

// Delete removes a record from whichever status it is in.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock, err := s.lockRecord(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	_, path, err := s.locate(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.NotFound(resource, id)
		}
		return apperrors.Internal("delete job record", err)
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		return apperrors.Internal("sync jobs directory", err)
	}
	return nil
}

// List loads every record in status, or in all statuses when status is
// empty. Records removed while listing are skipped.
func (s *Store) List(ctx context.Context, status job.Status) ([]*job.Job, error) {
	statuses := job.Statuses
	if status != "" {
		statuses = []job.Status{status}
	}

	var jobs []*job.Job
	for _, st := range statuses {
		entries, err := os.ReadDir(s.dir(st))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, apperrors.Internal("list jobs", err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, recordExt) || strings.Contains(name, ".tmp.") {
				continue
			}
			j, err := s.load(filepath.Join(s.dir(st), name))
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					continue
				}
				return nil, err
			}
			jobs = append(jobs, j)
		}
	}

	slices.SortFunc(jobs, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

// Claim creates the job's claim file, failing if it already exists.
func (s *Store) Claim(_ context.Context, id string) error {
	path := filepath.Join(s.dir(job.StatusQueued), id+claimExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, recordPerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperrors.InvalidState(resource, id, string(job.StatusQueued), "the job is already running")
		}
		return apperrors.Internal("claim job", err)
	}
	_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return apperrors.Internal("claim job", werr)
	}
	return nil
}

// Release removes the job's claim file.
func (s *Store) Release(_ context.Context, id string) error {
	err := os.Remove(filepath.Join(s.dir(job.StatusQueued), id+claimExt))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Internal("release job claim", err)
	}
	return nil
}

// lockRecord takes the write lock on id, waiting while another writer holds
// it. The returned func releases it.
func (s *Store) lockRecord(ctx context.Context, id string) (func(), error) {
	path := filepath.Join(s.root, id+lockExt)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, recordPerm)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, apperrors.NotFound(resource, id)
		case !errors.Is(err, os.ErrExist):
			return nil, apperrors.Internal("lock job record", err)
		}
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > lockStale {
			_ = os.Remove(path)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

// Ready checks that every status directory exists.
func (s *Store) Ready(_ context.Context) error {
	for _, status := range job.Statuses {
		info, err := os.Stat(s.dir(status))
		if err != nil {
			return fmt.Errorf("jobs directory not initialized: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("jobs directory %s is not a directory", s.dir(status))
		}
	}
	return nil
}

// locate finds the status directory holding id.
func (s *Store) locate(id string) (job.Status, string, error) {
	for _, status := range job.Statuses {
		path := s.path(status, id)
		if _, err := os.Stat(path); err == nil {
			return status, path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", "", apperrors.Internal("stat job record", err)
		}
	}
	return "", "", apperrors.NotFound(resource, id)
}

func (s *Store) load(path string) (*job.Job, error) {
	var j job.Job
	if err := readJSONStrict(path, &j); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			id := strings.TrimSuffix(filepath.Base(path), recordExt)
			return nil, apperrors.NotFound(resource, id)
		}
		return nil, apperrors.Internal("read job record "+path, err)
	}
	j.Status = job.Status(filepath.Base(filepath.Dir(path)))
	if j.Steps == nil {
		j.Steps = []job.Step{}
	}
	return &j, nil
}

func marshalRecord(j *job.Job) ([]byte, error) {
	record := *j
	if record.Version == "" {
		record.Version = job.RecordVersion
	}
	if record.Steps == nil {
		record.Steps = []job.Step{}
	}
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("marshal job record", err)
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(dir))
}

// writeTemp writes data to a synced temp file next to base and returns its name.
func writeTemp(dir, base string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(name)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return "", err
	}
	if err := tmp.Chmod(recordPerm); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	ok = true
	return name, nil
}

func writeFileAtomicDurable(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := writeTemp(dir, filepath.Base(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
