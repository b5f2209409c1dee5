package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the live configuration as an immutable snapshot behind an
// atomic pointer, the idiomatic replacement for a shared-memory
// configuration blob. Reads are lock-free; Reload serializes writers on wmu
// and classifies the change via TransferConfiguration before publishing.
type Store struct {
	snap atomic.Value // holds *Main
	wmu  sync.Mutex

	// logRestarter is invoked, if set, before a log-restart field change is
	// applied: the caller stops its logger, the fields are copied in, then
	// the caller is expected to start a new logger from the fresh snapshot.
	logRestarter func()

	// usersPath/loadUsers, if set via SetUsersSource, are consulted on every
	// Reload so the users file is re-read and re-decrypted alongside the
	// main file rather than left nil on the reload candidate.
	usersPath string
	loadUsers func(path string) ([]User, error)
}

// NewStore creates a Store whose initial snapshot is m.
func NewStore(m *Main) *Store {
	s := &Store{}
	s.snap.Store(m)
	return s
}

// OnLogRestart registers the callback invoked immediately before a
// log-restart-classified field is applied during Reload.
func (s *Store) OnLogRestart(fn func()) {
	s.logRestarter = fn
}

// SetUsersSource configures Reload to also reload the users file at path via
// loadUsers, merging the result into the candidate's Users before
// classifying changes. Without this, Reload leaves Users untouched across a
// reload rather than wiping it with the zero value Load alone would produce.
func (s *Store) SetUsersSource(path string, loadUsers func(path string) ([]User, error)) {
	s.usersPath = path
	s.loadUsers = loadUsers
}

// Load returns the current configuration snapshot. Lock-free.
func (s *Store) Load() *Main {
	return s.snap.Load().(*Main)
}

// Reload loads and validates mainPath fresh, re-reads the users file if a
// source was configured via SetUsersSource, classifies the difference
// against the live snapshot, and publishes it unless the change requires a
// process restart — in which case the live snapshot is left untouched and
// the caller is told to restart.
func (s *Store) Reload(mainPath string) (*TransferResult, error) {
	candidate, err := Load(mainPath)
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	live := s.Load()

	candidate.Users = live.Users
	candidate.UsersConfigPath = live.UsersConfigPath
	if s.loadUsers != nil {
		users, err := s.loadUsers(s.usersPath)
		if err != nil {
			return nil, err
		}
		candidate.Users = users
		candidate.UsersConfigPath = s.usersPath
		if err := ValidateUsers(candidate); err != nil {
			return nil, &Error{Status: StatusValidationFailed, Err: err}
		}
	}

	result := TransferConfiguration(live, candidate)
	if result.RestartRequired {
		return result, nil
	}

	applied := *live
	for _, c := range result.HotChanges {
		applyHotChange(&applied, c.Field, candidate)
	}
	if len(result.LogRestartChanges) > 0 {
		if s.logRestarter != nil {
			s.logRestarter()
		}
		for _, c := range result.LogRestartChanges {
			applyLogRestartChange(&applied, c.Field, candidate)
		}
	}
	s.snap.Store(&applied)
	return result, nil
}

func applyHotChange(dst *Main, field string, candidate *Main) {
	switch field {
	case "log_level":
		dst.LogLevel = candidate.LogLevel
	case "authentication_timeout":
		dst.AuthenticationTimeout = candidate.AuthenticationTimeout
	case "backlog":
		dst.Backlog = candidate.Backlog
	case "users":
		dst.Users = candidate.Users
	case "standby_status_interval":
		dst.StandbyStatusInterval = candidate.StandbyStatusInterval
	default:
		panic(fmt.Sprintf("config: unknown hot field %q", field))
	}
}

func applyLogRestartChange(dst *Main, field string, candidate *Main) {
	switch field {
	case "log_path":
		dst.LogPath = candidate.LogPath
	case "log_rotation_size":
		dst.LogRotationSize = candidate.LogRotationSize
	case "log_rotation_age":
		dst.LogRotationAge = candidate.LogRotationAge
	case "log_mode":
		dst.LogMode = candidate.LogMode
	case "log_line_prefix":
		dst.LogLinePrefix = candidate.LogLinePrefix
	default:
		panic(fmt.Sprintf("config: unknown log-restart field %q", field))
	}
}
