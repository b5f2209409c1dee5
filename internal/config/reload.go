package config

import "fmt"

// FieldChange records one field that differed between the live and the
// candidate configuration during a reload, for the "log both old and new
// values" requirement.
type FieldChange struct {
	Field string
	Old   interface{}
	New   interface{}
}

// TransferResult is the outcome of TransferConfiguration: which fields were
// applied to the live snapshot, which require a logger restart, and whether
// any process-restart-required field changed.
type TransferResult struct {
	HotChanges        []FieldChange
	LogRestartChanges []FieldChange
	RestartChanges    []FieldChange
	RestartRequired   bool
}

// Changed reports whether any field changed at all, hot or otherwise.
func (r *TransferResult) Changed() bool {
	return len(r.HotChanges) > 0 || len(r.LogRestartChanges) > 0 || len(r.RestartChanges) > 0
}

// TransferConfiguration compares live against candidate and classifies every
// differing field:
//
//   - hot: log_level, authentication_timeout, backlog,
//     standby_status_interval, users, number_of_users
//   - log-restart: log_path, log_rotation_size, log_rotation_age, log_mode,
//     log_line_prefix
//   - process-restart-required: host, log_type, pidfile (only if the new
//     value is non-empty), libev, hugepage, update_process_title,
//     unix_socket_dir, any per-server field, number_of_servers
//
// It does not mutate live; the caller applies HotChanges and
// LogRestartChanges (restarting the logger first) when RestartRequired is
// false, and otherwise leaves the live configuration untouched and restarts
// the process.
func TransferConfiguration(live, candidate *Main) *TransferResult {
	res := &TransferResult{}

	hot := func(field string, oldV, newV interface{}) {
		if oldV != newV {
			res.HotChanges = append(res.HotChanges, FieldChange{field, oldV, newV})
		}
	}
	logRestart := func(field string, oldV, newV interface{}) {
		if oldV != newV {
			res.LogRestartChanges = append(res.LogRestartChanges, FieldChange{field, oldV, newV})
		}
	}
	restart := func(field string, oldV, newV interface{}) {
		if oldV != newV {
			res.RestartChanges = append(res.RestartChanges, FieldChange{field, oldV, newV})
			res.RestartRequired = true
		}
	}

	hot("log_level", live.LogLevel, candidate.LogLevel)
	hot("authentication_timeout", live.AuthenticationTimeout, candidate.AuthenticationTimeout)
	hot("backlog", live.Backlog, candidate.Backlog)
	hot("standby_status_interval", live.StandbyStatusInterval, candidate.StandbyStatusInterval)
	if !usersEqual(live.Users, candidate.Users) {
		res.HotChanges = append(res.HotChanges, FieldChange{"users", len(live.Users), len(candidate.Users)})
	}

	logRestart("log_path", live.LogPath, candidate.LogPath)
	logRestart("log_rotation_size", live.LogRotationSize, candidate.LogRotationSize)
	logRestart("log_rotation_age", live.LogRotationAge, candidate.LogRotationAge)
	logRestart("log_mode", live.LogMode, candidate.LogMode)
	logRestart("log_line_prefix", live.LogLinePrefix, candidate.LogLinePrefix)

	restart("host", live.Host, candidate.Host)
	restart("log_type", live.LogType, candidate.LogType)
	if candidate.PIDFile != "" {
		restart("pidfile", live.PIDFile, candidate.PIDFile)
	}
	restart("libev", live.Libev, candidate.Libev)
	restart("hugepage", live.Hugepage, candidate.Hugepage)
	restart("update_process_title", live.UpdateProcessTitle, candidate.UpdateProcessTitle)
	restart("unix_socket_dir", live.UnixSocketDir, candidate.UnixSocketDir)
	if !serversEqual(live.Servers, candidate.Servers) {
		res.RestartChanges = append(res.RestartChanges, FieldChange{"servers", len(live.Servers), len(candidate.Servers)})
		res.RestartRequired = true
	}

	return res
}

func usersEqual(a, b []User) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func serversEqual(a, b []Server) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Summary renders a one-line human-readable description of a TransferResult
// for the reload log line.
func (r *TransferResult) Summary() string {
	if !r.Changed() {
		return "no configuration changes"
	}
	return fmt.Sprintf("hot=%d log-restart=%d restart-required=%d (restart=%v)",
		len(r.HotChanges), len(r.LogRestartChanges), len(r.RestartChanges), r.RestartRequired)
}
