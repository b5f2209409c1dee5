// Package config implements the INI-style main and users configuration for
// pgvictoria: parsing, validation, and a live snapshot with hot/log-restart/
// process-restart-required reload classification.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reserved server/user names that cannot be used as an entity identity.
const (
	ReservedAll        = "all"
	ReservedPgvictoria = "pgvictoria"
)

// Limits on server/user table size and credential lengths.
const (
	NumberOfServers   = 64
	NumberOfUsers     = 64
	MaxPasswordLength = 1024
	MaxUsernameLength = 128
)

// Server is one backend identity: {name, host, port, primary, username,
// server_version.{major,minor}}.
type Server struct {
	Name            string
	Host            string
	Port            int
	Primary         bool
	Username        string
	VersionMajor    int
	VersionMinor    int
}

// User is a decrypted credential: {username, password}.
type User struct {
	Username string
	Password string
}

// HugepagePolicy is the `hugepage` key's enumerated value.
type HugepagePolicy string

const (
	HugepageOff HugepagePolicy = "off"
	HugepageTry HugepagePolicy = "try"
	HugepageOn  HugepagePolicy = "on"
)

// ProcessTitlePolicy is the `update_process_title` key's enumerated value.
type ProcessTitlePolicy string

const (
	TitleNever    ProcessTitlePolicy = "never"
	TitleOff      ProcessTitlePolicy = "off"
	TitleStrict   ProcessTitlePolicy = "strict"
	TitleMinimal  ProcessTitlePolicy = "minimal"
	TitleVerbose  ProcessTitlePolicy = "verbose"
	TitleFull     ProcessTitlePolicy = "full"
)

// LogType is the `log_type` key's enumerated value.
type LogType string

const (
	LogConsole LogType = "console"
	LogFile    LogType = "file"
	LogSyslog  LogType = "syslog"
)

// LogMode is the `log_mode` key's enumerated value.
type LogMode string

const (
	LogModeAppend LogMode = "append"
	LogModeCreate LogMode = "create"
)

// Common holds the fields shared by every configuration snapshot: home
// directory, logging, and the server/user tables. Named Common to mirror
// the original common-configuration blob; in this rewrite it
// is an ordinary struct behind an immutable snapshot, not shared memory.
type Common struct {
	HomeDir string

	LogType       LogType
	LogLevel      string
	LogMode       LogMode
	LogPath       string
	LogLinePrefix string
	LogRotationSize int64
	LogRotationAge  int64 // seconds

	Servers []Server
	Users   []User

	MainConfigPath  string
	UsersConfigPath string
}

// Main is the main-process configuration: Common plus the process-level
// fields.
type Main struct {
	Common

	Running               bool
	Host                  string
	AuthenticationTimeout int // seconds
	PIDFile               string
	UpdateProcessTitle    ProcessTitlePolicy
	Libev                 string
	Backlog               int
	Hugepage              HugepagePolicy
	UnixSocketDir         string
	StandbyStatusInterval time.Duration
}

// systemKeys are additionally path-resolved (environment-variable expansion).
var systemKeys = map[string]bool{
	"unix_socket_dir": true,
	"log_path":        true,
	"pidfile":         true,
}

// iniSection is one `[name]` block's raw key/value pairs; the map does not
// keep file order.
type iniSection struct {
	name string
	keys map[string]string
}

// parseINI performs the trimming, comment-stripping, quote-stripping, and
// system-key path resolution, and groups lines under the
// nearest preceding `[section]` header. Lines before the first header are
// rejected.
func parseINI(r *bufio.Scanner) ([]iniSection, error) {
	var sections []iniSection
	var cur *iniSection
	lineNo := 0

	for r.Scan() {
		lineNo++
		line := stripComment(r.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			name := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("config: line %d: malformed section header %q", lineNo, line)
			}
			sections = append(sections, iniSection{name: strings.TrimSpace(name), keys: map[string]string{}})
			cur = &sections[len(sections)-1]
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("config: line %d: key outside of any section", lineNo)
		}

		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("config: line %d: expected key=value", lineNo)
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := stripQuotes(strings.TrimSpace(line[idx+1:]))
		if systemKeys[key] {
			val = resolvePath(val)
		}
		cur.keys[key] = val
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("config: scanning: %w", err)
	}
	return sections, nil
}

func stripComment(line string) string {
	for _, c := range []byte{';', '#'} {
		if i := strings.IndexByte(line, c); i >= 0 {
			line = line[:i]
		}
	}
	return line
}

func stripQuotes(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// resolvePath expands environment-variable references ($HOME, ${HOME}) in a
// system-key path value.
func resolvePath(v string) string {
	return os.Expand(v, os.Getenv)
}

// sizeSuffixes maps the case-insensitive suffix letters of `log_rotation_size`
// to their byte multiplier.
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30}, {"b", 1},
}

// parseSize parses an integer with an optional B/K/M/G (or KB/MB/GB) suffix,
// case-insensitive.
func parseSize(v string) (int64, error) {
	lower := strings.ToLower(strings.TrimSpace(v))
	for _, s := range sizeSuffixes {
		if strings.HasSuffix(lower, s.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(lower, s.suffix))
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", v, err)
			}
			return n * s.mult, nil
		}
	}
	n, err := strconv.ParseInt(lower, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return n, nil
}

// ageSuffixes maps the case-insensitive suffix letters of `log_rotation_age`
// to their second multiplier.
var ageSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"w", 7 * 24 * 3600}, {"d", 24 * 3600}, {"h", 3600}, {"m", 60}, {"s", 1},
}

func parseAge(v string) (int64, error) {
	lower := strings.ToLower(strings.TrimSpace(v))
	for _, s := range ageSuffixes {
		if strings.HasSuffix(lower, s.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(lower, s.suffix))
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid age %q: %w", v, err)
			}
			return n * s.mult, nil
		}
	}
	n, err := strconv.ParseInt(lower, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", v, err)
	}
	return n, nil
}

func parseLogLevel(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "info", "warn", "error", "fatal":
		return v, nil
	case "debug":
		return "debug1", nil
	}
	if strings.HasPrefix(v, "debug") {
		suffix := strings.TrimPrefix(v, "debug")
		if n, err := strconv.Atoi(suffix); err == nil && n >= 1 && n <= 5 {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid log_level %q", v)
}

// Load reads the main configuration file at mainPath, finds the
// `[pgvictoria]` section for the process-level keys and one `[<name>]`
// section per server, and validates the result. It does not load or decrypt
// the users file — see userstore.Load.
func Load(mainPath string) (*Main, error) {
	f, err := os.Open(mainPath)
	if err != nil {
		return nil, &Error{Status: StatusFileNotFound, Err: err}
	}
	defer f.Close()

	sections, err := parseINI(bufio.NewScanner(f))
	if err != nil {
		return nil, &Error{Status: StatusParseFailed, Err: err}
	}

	m := &Main{}
	m.MainConfigPath = mainPath
	m.Backlog = 16
	m.Hugepage = HugepageOff
	m.UpdateProcessTitle = TitleOff
	m.LogType = LogConsole
	m.LogLevel = "info"
	m.LogMode = LogModeAppend
	m.AuthenticationTimeout = 0
	m.StandbyStatusInterval = 10 * time.Second

	var serverSections []iniSection
	for _, sec := range sections {
		if sec.name == "pgvictoria" {
			if err := applyMainSection(m, sec); err != nil {
				return nil, &Error{Status: StatusParseFailed, Err: err}
			}
			continue
		}
		serverSections = append(serverSections, sec)
	}

	for _, sec := range serverSections {
		srv, err := buildServer(sec)
		if err != nil {
			return nil, &Error{Status: StatusParseFailed, Err: err}
		}
		m.Servers = append(m.Servers, srv)
	}

	if err := Validate(m); err != nil {
		return nil, &Error{Status: StatusValidationFailed, Err: err}
	}
	return m, nil
}

func applyMainSection(m *Main, sec iniSection) error {
	if v, ok := sec.keys["host"]; ok {
		m.Host = v
	}
	if v, ok := sec.keys["unix_socket_dir"]; ok {
		m.UnixSocketDir = v
	}
	if v, ok := sec.keys["pidfile"]; ok {
		m.PIDFile = v
	}
	if v, ok := sec.keys["libev"]; ok {
		m.Libev = v
	}
	if v, ok := sec.keys["backlog"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("backlog: %w", err)
		}
		if n < 16 {
			n = 16
		}
		m.Backlog = n
	}
	if v, ok := sec.keys["hugepage"]; ok {
		switch HugepagePolicy(v) {
		case HugepageOff, HugepageTry, HugepageOn:
			m.Hugepage = HugepagePolicy(v)
		default:
			return fmt.Errorf("invalid hugepage %q", v)
		}
	}
	if v, ok := sec.keys["update_process_title"]; ok {
		switch ProcessTitlePolicy(v) {
		case TitleNever, TitleOff, TitleStrict, TitleMinimal, TitleVerbose, TitleFull:
			m.UpdateProcessTitle = ProcessTitlePolicy(v)
		default:
			return fmt.Errorf("invalid update_process_title %q", v)
		}
	}
	if v, ok := sec.keys["log_type"]; ok {
		switch LogType(v) {
		case LogConsole, LogFile, LogSyslog:
			m.LogType = LogType(v)
		default:
			return fmt.Errorf("invalid log_type %q", v)
		}
	}
	if v, ok := sec.keys["log_level"]; ok {
		lvl, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		m.LogLevel = lvl
	}
	if v, ok := sec.keys["log_path"]; ok {
		m.LogPath = v
	}
	if v, ok := sec.keys["log_line_prefix"]; ok {
		m.LogLinePrefix = v
	}
	if v, ok := sec.keys["log_mode"]; ok {
		switch LogMode(v) {
		case LogModeAppend, LogModeCreate:
			m.LogMode = LogMode(v)
		default:
			return fmt.Errorf("invalid log_mode %q", v)
		}
	}
	if v, ok := sec.keys["log_rotation_size"]; ok {
		n, err := parseSize(v)
		if err != nil {
			return err
		}
		m.LogRotationSize = n
	}
	if v, ok := sec.keys["log_rotation_age"]; ok {
		n, err := parseAge(v)
		if err != nil {
			return err
		}
		m.LogRotationAge = n
	}
	if v, ok := sec.keys["standby_status_interval"]; ok {
		n, err := parseAge(v)
		if err != nil {
			return fmt.Errorf("standby_status_interval: %w", err)
		}
		m.StandbyStatusInterval = time.Duration(n) * time.Second
	}
	if m.PIDFile == "" && m.UnixSocketDir != "" && m.Host != "" {
		m.PIDFile = fmt.Sprintf("%s/pgvictoria.%s.pid", m.UnixSocketDir, m.Host)
	}
	return nil
}

func buildServer(sec iniSection) (Server, error) {
	srv := Server{Name: sec.name}
	srv.Host = sec.keys["host"]
	srv.Username = sec.keys["user"]
	if v, ok := sec.keys["port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("server %q: port: %w", sec.name, err)
		}
		srv.Port = n
	}
	return srv, nil
}

// Validate checks: host non-empty,
// unix_socket_dir exists and is a directory, at least one server, every
// server has a non-empty host/port/username, reserved names rejected, and
// count limits enforced.
func Validate(m *Main) error {
	if m.Host == "" {
		return fmt.Errorf("config: host must not be empty")
	}
	if m.UnixSocketDir == "" {
		return fmt.Errorf("config: unix_socket_dir must not be empty")
	}
	fi, err := os.Stat(m.UnixSocketDir)
	if err != nil {
		return fmt.Errorf("config: unix_socket_dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("config: unix_socket_dir %q is not a directory", m.UnixSocketDir)
	}
	if len(m.Servers) == 0 {
		return fmt.Errorf("config: at least one server must be configured")
	}
	if len(m.Servers) > NumberOfServers {
		return fmt.Errorf("config: too many servers (%d > %d)", len(m.Servers), NumberOfServers)
	}

	seen := make(map[string]bool, len(m.Servers))
	for _, s := range m.Servers {
		if s.Name == ReservedAll || s.Name == ReservedPgvictoria {
			return fmt.Errorf("config: server name %q is reserved", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Host == "" {
			return fmt.Errorf("config: server %q: host must not be empty", s.Name)
		}
		if s.Port == 0 {
			return fmt.Errorf("config: server %q: port must not be zero", s.Name)
		}
		if s.Username == "" {
			return fmt.Errorf("config: server %q: username must not be empty", s.Name)
		}
	}
	return nil
}

// ValidateUsers checks that every server's username references an entry in
// m.Users. Load never populates Users (see userstore.Load), so this runs
// separately once the users file has been merged into m — after the
// initial load in cmd/pgvictoria and after every Store.Reload.
func ValidateUsers(m *Main) error {
	known := make(map[string]bool, len(m.Users))
	for _, u := range m.Users {
		known[u.Username] = true
	}
	for _, s := range m.Servers {
		if !known[s.Username] {
			return fmt.Errorf("config: server %q: username %q is not a known user", s.Name, s.Username)
		}
	}
	return nil
}
