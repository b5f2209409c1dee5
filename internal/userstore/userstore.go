// Package userstore reads the line-oriented encrypted user-password file:
// username:base64(aes256cbc(password)) per line, decrypted with a master
// key supplied by an external secret provider.
package userstore

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/pgvictoria/pgvictoria/internal/config"
	"github.com/pgvictoria/pgvictoria/internal/pgcrypto"
)

// MasterKeyProvider supplies the process-wide symmetric key used to decrypt
// the user file. The provider itself is opaque; this package
// only requires it to return the same key across the process lifetime.
type MasterKeyProvider interface {
	GetMasterKey() ([]byte, error)
}

// StaticKeyProvider is a MasterKeyProvider backed by a fixed byte slice,
// for tests and for deployments that inject the key via the environment or
// a mounted secret file rather than a live secret-manager client.
type StaticKeyProvider struct {
	Key []byte
}

func (s StaticKeyProvider) GetMasterKey() ([]byte, error) {
	if len(s.Key) == 0 {
		return nil, fmt.Errorf("userstore: master key is empty")
	}
	return s.Key, nil
}

// usersFileMode is the fixed cipher used for every entry in the users file,
// mirroring pgcrypto's file-format compatibility constraint.
const usersFileMode = pgcrypto.AES256CBC

// Load reads path, one "username:base64(ciphertext)" entry per line, and
// decrypts each password with the key from provider. It enforces
// config.NumberOfUsers and returns *config.Error with the matching
// sub-status on every failure path.
func Load(path string, provider MasterKeyProvider) ([]config.User, error) {
	key, err := provider.GetMasterKey()
	if err != nil {
		return nil, &config.Error{Status: config.StatusMasterKeyMissing, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &config.Error{Status: config.StatusFileNotFound, Err: err}
	}
	defer f.Close()

	var users []config.User
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		u, err := parseLine(line, key)
		if err != nil {
			return nil, &config.Error{Status: config.StatusParseFailed, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		users = append(users, u)

		if len(users) > config.NumberOfUsers {
			return nil, &config.Error{
				Status: config.StatusUserCountExceeded,
				Err:    fmt.Errorf("users file has more than %d entries", config.NumberOfUsers),
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &config.Error{Status: config.StatusParseFailed, Err: err}
	}

	return users, nil
}

func parseLine(line string, masterKey []byte) (config.User, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return config.User{}, fmt.Errorf("expected username:base64(ciphertext)")
	}
	username := line[:idx]
	if username == "" {
		return config.User{}, fmt.Errorf("empty username")
	}
	if len(username) > config.MaxUsernameLength {
		return config.User{}, fmt.Errorf("username exceeds MaxUsernameLength (%d)", config.MaxUsernameLength)
	}

	encoded := line[idx+1:]
	cipherBuf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return config.User{}, fmt.Errorf("invalid base64 payload: %w", err)
	}

	plain, err := pgcrypto.DecryptBuffer(cipherBuf, usersFileMode, masterKey)
	if err != nil {
		return config.User{}, fmt.Errorf("decrypting password: %w", err)
	}
	if len(plain) > config.MaxPasswordLength {
		return config.User{}, fmt.Errorf("password exceeds MaxPasswordLength (%d)", config.MaxPasswordLength)
	}

	return config.User{Username: username, Password: string(plain)}, nil
}

// WriteEntry renders one users-file line for username/password under the
// fixed AES-256-CBC file format, for use by an external provisioning tool.
func WriteEntry(username, password string, masterKey []byte) (string, error) {
	cipherBuf, err := pgcrypto.EncryptBuffer([]byte(password), usersFileMode, masterKey)
	if err != nil {
		return "", err
	}
	return username + ":" + base64.StdEncoding.EncodeToString(cipherBuf), nil
}
