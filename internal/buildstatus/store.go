// Package buildstatus persists the final exit code of a build session so
// that processes outside the coordinator (minions, the status command) can
// learn that the build is over.
package buildstatus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/stampede/internal/lock"
	yamlfile "github.com/msageha/stampede/internal/yaml"
)

var (
	ErrNotFound       = errors.New("build status not found")
	ErrAlreadyFinal   = errors.New("final build status already recorded")
	ErrInvalidSession = errors.New("invalid session id")
)

// Sources of a final status.
const (
	SourceCoordinator = "coordinator"
	SourceRemote      = "remote"
	SourceFleet       = "fleet"
)

type Status struct {
	yamlfile.Header `yaml:",inline" json:"-"`

	SessionID  string    `yaml:"session_id" json:"session_id"`
	ExitCode   int       `yaml:"exit_code" json:"exit_code"`
	FinishedAt time.Time `yaml:"finished_at" json:"finished_at"`
	Source     string    `yaml:"source" json:"source"`
}

func (s Status) Succeeded() bool { return s.ExitCode == 0 }

// Store keeps one <session>.yaml per session under dir. A status is written
// once and never replaced.
type Store struct {
	dir   string
	locks *lock.KeyedMutex
	now   func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: lock.NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".yaml")
}

// LockPath is the file a coordinator holds while it serves sessionID.
func (s *Store) LockPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".lock")
}

func checkSession(sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	return nil
}

// Put records the final exit code of sessionID.
func (s *Store) Put(sessionID string, exitCode int, source string) (Status, error) {
	if err := checkSession(sessionID); err != nil {
		return Status{}, err
	}

	var written Status
	err := s.locks.Do(sessionID, func() error {
		existing, err := s.read(sessionID)
		if err == nil {
			return fmt.Errorf("%w: session %s exited %d", ErrAlreadyFinal, sessionID, existing.ExitCode)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		written = Status{
			Header:     yamlfile.NewHeader(yamlfile.FileTypeBuildStatus),
			SessionID:  sessionID,
			ExitCode:   exitCode,
			FinishedAt: s.now(),
			Source:     source,
		}
		if err := yamlfile.WriteFile(s.Path(sessionID), written); err != nil {
			return fmt.Errorf("write build status: %w", err)
		}
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return written, nil
}

// Get returns the recorded status, or ErrNotFound.
func (s *Store) Get(sessionID string) (Status, error) {
	if err := checkSession(sessionID); err != nil {
		return Status{}, err
	}
	var st Status
	err := s.locks.Do(sessionID, func() error {
		var rerr error
		st, rerr = s.read(sessionID)
		return rerr
	})
	return st, err
}

func (s *Store) read(sessionID string) (Status, error) {
	var st Status
	path := s.Path(sessionID)
	if _, err := yamlfile.ReadFileRecover(path, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return Status{}, err
	}
	if err := st.Validate(yamlfile.FileTypeBuildStatus); err != nil {
		return Status{}, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// List returns every recorded status ordered by session id. Unreadable files
// are skipped and reported in the returned error.
func (s *Store) List() ([]Status, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var (
		out  []Status
		errs []error
	)
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".yaml")
		if strings.HasPrefix(id, ".") {
			continue
		}
		st, err := s.Get(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, st)
	}
	return out, errors.Join(errs...)
}

// Setter records the final status of one session.
type Setter struct {
	store     *Store
	sessionID string
	source    string
}

func NewSetter(store *Store, sessionID, source string) *Setter {
	return &Setter{store: store, sessionID: sessionID, source: source}
}

func (s *Setter) SetFinalBuildStatus(exitCode int) error {
	_, err := s.store.Put(s.sessionID, exitCode, s.source)
	return err
}
