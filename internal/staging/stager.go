// Package staging makes source and target references available as local
// files under the input root. http(s) references are downloaded; local
// references must already live inside the input root.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/observability"
	"github.com/szytwo/facefusion/pkg/backoff"
	"github.com/szytwo/facefusion/pkg/circuitbreaker"
)

const fieldRef = "path"

var errTooLarge = errors.New("download exceeds size limit")

// Stager stages inputs for a job.
type Stager struct {
	cfg      Config
	client   *http.Client
	breakers *circuitbreaker.Registry
	metrics  *observability.Metrics
}

// New creates a Stager.
func New(cfg Config, metrics *observability.Metrics) *Stager {
	cfg = cfg.withDefaults()
	return &Stager{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		metrics:  metrics,
	}
}

// Breakers exposes the per-host circuit breakers, for readiness reporting.
func (s *Stager) Breakers() *circuitbreaker.Registry { return s.breakers }

// Stage returns a local path for ref.
func (s *Stager) Stage(ctx context.Context, jobID, ref string) (string, error) {
	if isRemote(ref) {
		local, err := s.download(ctx, jobID, ref)
		s.metrics.RecordStaged(ctx, "remote", err == nil)
		return local, err
	}
	local, err := s.local(ref)
	s.metrics.RecordStaged(ctx, "local", err == nil)
	return local, err
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// local resolves ref inside the input root. Relative refs are taken
// relative to the root.
func (s *Stager) local(ref string) (string, error) {
	if ref == "" {
		return "", apperrors.Validation(fieldRef, "path is required")
	}
	root, err := filepath.Abs(s.cfg.InputPath)
	if err != nil {
		return "", apperrors.Internal("resolve input root", err)
	}

	resolved := ref
	if !filepath.IsAbs(ref) {
		if err := validatePath(ref); err != nil {
			return "", apperrors.Validation(fieldRef, fmt.Sprintf("%s: %v", ref, err))
		}
		resolved = filepath.Join(root, ref)
	}
	resolved = filepath.Clean(resolved)
	if !within(root, resolved) {
		return "", apperrors.Validation(fieldRef, fmt.Sprintf("%s is outside the input directory", ref))
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperrors.Validation(fieldRef, fmt.Sprintf("%s does not exist", ref))
		}
		return "", apperrors.Internal("stat input", err)
	}
	if !info.Mode().IsRegular() {
		return "", apperrors.Validation(fieldRef, fmt.Sprintf("%s is not a regular file", ref))
	}
	return resolved, nil
}

// download fetches ref into <input root>/<job id>-<name>, retrying
// transient failures with exponential backoff.
func (s *Stager) download(ctx context.Context, jobID, ref string) (string, error) {
	parsed, err := validateURL(ref)
	if err != nil {
		return "", apperrors.Validation(fieldRef, fmt.Sprintf("%s: %v", ref, err))
	}
	dest := filepath.Join(s.cfg.InputPath, jobID+"-"+fileName(parsed))
	breaker := s.breakers.Get(parsed.Host)
	logger := slog.With("jobId", jobID, "url", parsed.Redacted())

	err = backoff.Retry(ctx, &s.cfg.Retry, func(attempt int) error {
		err := breaker.Do(func() error { return s.fetch(ctx, parsed.String(), dest) }, countable)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen), !countable(err):
			return backoff.Permanent(err)
		default:
			logger.Warn("Download attempt failed", "attempt", attempt, "error", err)
			return err
		}
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) || errors.Is(err, errTooLarge) {
			return "", apperrors.Validation(fieldRef, fmt.Sprintf("failed to download %s: %v", parsed.Redacted(), err))
		}
		return "", fmt.Errorf("failed to download %s: %w", parsed.Redacted(), err)
	}
	logger.Debug("Staged remote input", "path", dest)
	return dest, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("download failed with status %d", e.code) }

// countable reports whether err says something about the remote host's
// health. Client errors and oversized bodies do not.
func countable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests || se.code == http.StatusRequestTimeout
	}
	return !errors.Is(err, errTooLarge)
}

func (s *Stager) fetch(ctx context.Context, rawURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part.*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if written > s.cfg.MaxBytes {
		return errTooLarge
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// fileName derives a safe local name from the URL path.
func fileName(u *url.URL) string {
	base := path.Base(u.Path)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "input"
	}
	return name
}

func validateURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("URL must have a host")
	}
	return parsed, nil
}

func validatePath(p string) error {
	cleaned := filepath.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return errors.New("path traversal not allowed")
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return errors.New("path traversal not allowed")
		}
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
