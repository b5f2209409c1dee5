package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgvictoria.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func baselineConf(t *testing.T, socketDir string) string {
	return `
[pgvictoria]
host = *
unix_socket_dir = ` + socketDir + `
log_type = console
log_level = info
backlog = 64

[primary]
host = 127.0.0.1
port = 5432
user = alice
`
}

func TestLoadValidConfig(t *testing.T) {
	socketDir := t.TempDir()
	path := writeTemp(t, baselineConf(t, socketDir))

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Host != "*" {
		t.Errorf("Host = %q", m.Host)
	}
	if len(m.Servers) != 1 || m.Servers[0].Name != "primary" || m.Servers[0].Port != 5432 {
		t.Fatalf("Servers = %+v", m.Servers)
	}
	if m.LogLevel != "info" {
		t.Errorf("LogLevel = %q", m.LogLevel)
	}
}

func TestLoadRejectsReservedServerName(t *testing.T) {
	socketDir := t.TempDir()
	conf := `
[pgvictoria]
host = *
unix_socket_dir = ` + socketDir + `

[all]
host = 127.0.0.1
port = 5432
user = alice
`
	path := writeTemp(t, conf)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for reserved server name")
	}
}

func TestLoadRejectsMissingUnixSocketDir(t *testing.T) {
	conf := `
[pgvictoria]
host = *
unix_socket_dir = /no/such/directory/pgvictoria-test

[primary]
host = 127.0.0.1
port = 5432
user = alice
`
	path := writeTemp(t, conf)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing unix_socket_dir")
	}
}

func TestLoadQuotedAndCommentedValues(t *testing.T) {
	socketDir := t.TempDir()
	conf := `
; a full-line comment
[pgvictoria]
host = "*" ; trailing comment
unix_socket_dir = '` + socketDir + `'
log_rotation_size = 10MB
log_rotation_age = 1d

[primary]
host = 127.0.0.1 # trailing comment
port = 5432
user = alice
`
	path := writeTemp(t, conf)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Host != "*" {
		t.Errorf("Host = %q", m.Host)
	}
	if m.LogRotationSize != 10*(1<<20) {
		t.Errorf("LogRotationSize = %d", m.LogRotationSize)
	}
	if m.LogRotationAge != 24*3600 {
		t.Errorf("LogRotationAge = %d", m.LogRotationAge)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"100":  100,
		"10B":  10,
		"10K":  10 << 10,
		"10KB": 10 << 10,
		"5M":   5 << 20,
		"5MB":  5 << 20,
		"2G":   2 << 30,
		"2GB":  2 << 30,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseAgeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"30":  30,
		"30s": 30,
		"5m":  5 * 60,
		"2h":  2 * 3600,
		"1d":  24 * 3600,
		"1w":  7 * 24 * 3600,
	}
	for in, want := range cases {
		got, err := parseAge(in)
		if err != nil {
			t.Fatalf("parseAge(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseAge(%q) = %d, want %d", in, got, want)
		}
	}
}

// Property 6: reload classification.
func TestTransferConfigurationHotOnly(t *testing.T) {
	live := &Main{Common: Common{LogLevel: "info"}, Backlog: 16}
	candidate := &Main{Common: Common{LogLevel: "debug1"}, Backlog: 16}
	candidate.Host = live.Host
	candidate.UnixSocketDir = live.UnixSocketDir

	result := TransferConfiguration(live, candidate)
	if !result.Changed() {
		t.Fatal("expected a change")
	}
	if result.RestartRequired {
		t.Fatal("log_level alone must not require a restart")
	}
	if len(result.HotChanges) != 1 || result.HotChanges[0].Field != "log_level" {
		t.Fatalf("HotChanges = %+v", result.HotChanges)
	}
}

func TestTransferConfigurationRestartRequiredFields(t *testing.T) {
	base := func() *Main {
		return &Main{
			Common: Common{LogLevel: "info"},
			Host:   "127.0.0.1",
			Backlog: 16,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Main)
	}{
		{"host", func(m *Main) { m.Host = "0.0.0.0" }},
		{"log_type", func(m *Main) { m.LogType = LogFile }},
		{"libev", func(m *Main) { m.Libev = "epoll" }},
		{"hugepage", func(m *Main) { m.Hugepage = HugepageOn }},
		{"unix_socket_dir", func(m *Main) { m.UnixSocketDir = "/tmp/other" }},
		{"servers", func(m *Main) { m.Servers = []Server{{Name: "x"}} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			live := base()
			candidate := base()
			tc.mutate(candidate)

			result := TransferConfiguration(live, candidate)
			if !result.RestartRequired {
				t.Fatalf("%s: expected restart required", tc.name)
			}
		})
	}
}

func TestTransferConfigurationPidfileIgnoredWhenCandidateEmpty(t *testing.T) {
	live := &Main{PIDFile: "/var/run/pgvictoria.pid"}
	candidate := &Main{PIDFile: ""}
	result := TransferConfiguration(live, candidate)
	if result.RestartRequired {
		t.Fatal("empty candidate pidfile must not trigger a restart")
	}
}

func TestStoreReloadAppliesHotChangesOnly(t *testing.T) {
	socketDir := t.TempDir()
	path := writeTemp(t, baselineConf(t, socketDir))

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m.Users = []User{{Username: "alice", Password: "s3cret"}}
	store := NewStore(m)

	conf2 := `
[pgvictoria]
host = *
unix_socket_dir = ` + socketDir + `
log_type = console
log_level = debug2
backlog = 64

[primary]
host = 127.0.0.1
port = 5432
user = alice
`
	if err := os.WriteFile(path, []byte(conf2), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := store.Reload(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if result.RestartRequired {
		t.Fatal("log_level change must not require restart")
	}
	if store.Load().LogLevel != "debug2" {
		t.Fatalf("live LogLevel = %q, want debug2", store.Load().LogLevel)
	}
	if len(store.Load().Users) != 1 || store.Load().Users[0].Username != "alice" {
		t.Fatalf("reload without a users source must leave Users untouched, got %+v", store.Load().Users)
	}
}

func TestStoreReloadRereadsUsersSource(t *testing.T) {
	socketDir := t.TempDir()
	path := writeTemp(t, baselineConf(t, socketDir))

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m.Users = []User{{Username: "alice", Password: "old"}}
	store := NewStore(m)

	calls := 0
	store.SetUsersSource("users.conf", func(usersPath string) ([]User, error) {
		calls++
		if usersPath != "users.conf" {
			t.Fatalf("loadUsers called with %q, want users.conf", usersPath)
		}
		return []User{{Username: "alice", Password: "new"}}, nil
	})

	conf2 := `
[pgvictoria]
host = *
unix_socket_dir = ` + socketDir + `
log_type = console
log_level = debug2
backlog = 64

[primary]
host = 127.0.0.1
port = 5432
user = alice
`
	if err := os.WriteFile(path, []byte(conf2), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := store.Reload(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if result.RestartRequired {
		t.Fatal("log_level change must not require restart")
	}
	if calls != 1 {
		t.Fatalf("loadUsers called %d times, want 1", calls)
	}
	users := store.Load().Users
	if len(users) != 1 || users[0].Password != "new" {
		t.Fatalf("live Users = %+v, want a single alice/new entry", users)
	}
}

func TestStoreReloadRejectsUnknownServerUsername(t *testing.T) {
	socketDir := t.TempDir()
	path := writeTemp(t, baselineConf(t, socketDir))

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m.Users = []User{{Username: "alice", Password: "s3cret"}}
	store := NewStore(m)
	store.SetUsersSource("users.conf", func(string) ([]User, error) {
		return []User{{Username: "bob", Password: "other"}}, nil
	})

	if _, err := store.Reload(path); err == nil {
		t.Fatal("expected Reload to reject a server whose username has no matching user")
	}
	if len(store.Load().Users) != 1 || store.Load().Users[0].Username != "alice" {
		t.Fatal("a rejected reload must leave the live snapshot untouched")
	}
}

func TestStoreReloadLeavesLiveUntouchedWhenRestartRequired(t *testing.T) {
	socketDir := t.TempDir()
	path := writeTemp(t, baselineConf(t, socketDir))

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(m)

	conf2 := `
[pgvictoria]
host = 0.0.0.0
unix_socket_dir = ` + socketDir + `
log_type = console
log_level = info
backlog = 64

[primary]
host = 127.0.0.1
port = 5432
user = alice
`
	if err := os.WriteFile(path, []byte(conf2), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := store.Reload(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !result.RestartRequired {
		t.Fatal("host change must require restart")
	}
	if store.Load().Host != "*" {
		t.Fatalf("live Host mutated to %q despite restart-required reload", store.Load().Host)
	}
}
