package catalog

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Store holds the catalog currently in force. Readers take a snapshot with Current and
// keep using it for the whole request; a reload swaps in a new, fully validated catalog
// and never touches the old one.
type Store struct {
	current atomic.Pointer[Catalog]
	path    string
	opts    []Option
	logger  *logrus.Logger
}

// NewStore wraps an already validated catalog. path is the file used by Reload; it may be
// empty when the catalog is the embedded one.
func NewStore(initial *Catalog, path string, logger *logrus.Logger, opts ...Option) (*Store, error) {
	if initial == nil {
		return nil, errors.New("catalog store requires an initial catalog")
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Store{path: path, opts: opts, logger: logger}
	s.current.Store(initial)
	return s, nil
}

// OpenStore loads the catalog at path (or the embedded one when path is empty) and wraps it.
func OpenStore(path string, logger *logrus.Logger, opts ...Option) (*Store, error) {
	cat, err := Load(path, opts...)
	if err != nil {
		return nil, err
	}
	return NewStore(cat, path, logger, opts...)
}

// Current returns the catalog in force. It is safe to call from any goroutine.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Swap replaces the catalog in force and returns the previous one.
func (s *Store) Swap(next *Catalog) *Catalog {
	prev := s.current.Swap(next)
	s.logger.WithFields(logrus.Fields{
		"previous_version": prev.Version(),
		"version":          next.Version(),
		"digest":           next.Digest(),
		"source":           next.Source(),
	}).Info("Rule catalog swapped")
	return prev
}

// Path returns the file the store reloads from.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file and swaps it in when it validates. On any error the
// catalog in force is left untouched. Reloading an unchanged file is a no-op.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, errors.New("catalog store has no backing file")
	}
	next, err := LoadFile(s.path, s.opts...)
	if err != nil {
		s.logger.WithError(err).WithField("path", s.path).Error("Rejected catalog reload, keeping current catalog")
		return false, err
	}
	if next.Digest() == s.Current().Digest() {
		s.logger.WithField("digest", next.Digest()).Debug("Catalog unchanged, skipping swap")
		return false, nil
	}
	s.Swap(next)
	return true, nil
}
