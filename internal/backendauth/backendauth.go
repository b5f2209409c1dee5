// Package backendauth drives client-role authentication against a
// PostgreSQL backend: cleartext password, MD5, and SCRAM-SHA-256 (RFC
// 5802), adapted from the pooling proxy's SCRAM dialer onto this engine's
// transport/wire primitives so the health checker and replication
// supervisor share one implementation. Server-role authentication (the
// engine challenging an inbound client) is out of scope; nothing in this
// engine accepts inbound client connections.
package backendauth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgvictoria/pgvictoria/internal/transport"
	"github.com/pgvictoria/pgvictoria/internal/wire"
)

// readTimeout bounds each authentication round trip; the handshake as a
// whole is bounded by the caller's authentication_timeout.
const readTimeout = 5 * time.Second

// Authenticate drives the backend's authentication challenge to
// completion. It must be called immediately after the StartupMessage has
// been written and before any query is issued. password is empty only
// when the backend is configured for trust auth, in which case an
// AuthenticationOk with no preceding challenge is the only accepted path.
func Authenticate(tr *transport.Transport, user, password string) error {
	payload, authType, err := readAuthFrame(tr)
	if err != nil {
		return err
	}

	switch authType {
	case wire.AuthOK:
		return nil
	case wire.AuthCleartextPassword:
		if err := tr.Write(wire.PasswordMessage(password)); err != nil {
			return fmt.Errorf("backendauth: sending cleartext password: %w", err)
		}
	case wire.AuthMD5Password:
		if len(payload) < 4 {
			return fmt.Errorf("backendauth: MD5 challenge too short")
		}
		digest := md5Password(user, password, payload[:4])
		if err := tr.Write(wire.MD5PasswordMessage(digest)); err != nil {
			return fmt.Errorf("backendauth: sending MD5 password: %w", err)
		}
	case wire.AuthSASL:
		return scramSHA256(tr, user, password, payload)
	default:
		return fmt.Errorf("backendauth: unsupported authentication method %d", authType)
	}

	return awaitOK(tr)
}

// md5Password computes "md5" + hex(md5(md5(password+user) + salt)) per the
// frontend/backend protocol's MD5 challenge-response scheme.
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func scramSHA256(tr *transport.Transport, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload)
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("backendauth: backend does not offer SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("backendauth: generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	// Must be byte-identical to the bare part of what SCRAMInitialMessage
	// sends (empty user name), or the two sides' AuthMessage differ.
	clientFirstBare := "n=,r=" + clientNonce
	if err := tr.Write(wire.SCRAMInitialMessage(clientNonce)); err != nil {
		return fmt.Errorf("backendauth: sending SCRAM initial response: %w", err)
	}

	contPayload, authType, err := readAuthFrame(tr)
	if err != nil {
		return fmt.Errorf("backendauth: reading server-first-message: %w", err)
	}
	if authType != wire.AuthSASLContinue {
		return fmt.Errorf("backendauth: expected AuthenticationSASLContinue, got %d", authType)
	}
	serverFirstMsg := string(contPayload)

	serverNonce, salt, iterations, err := parseServerFirst(serverFirstMsg)
	if err != nil {
		return fmt.Errorf("backendauth: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("backendauth: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	if err := tr.Write(wire.SCRAMContinueMessage(clientFinalWithoutProof, base64.StdEncoding.EncodeToString(clientProof))); err != nil {
		return fmt.Errorf("backendauth: sending SCRAM final response: %w", err)
	}

	finalPayload, authType, err := readAuthFrame(tr)
	if err != nil {
		return fmt.Errorf("backendauth: reading server-final-message: %w", err)
	}
	if authType != wire.AuthSASLFinal {
		return fmt.Errorf("backendauth: expected AuthenticationSASLFinal, got %d", authType)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedFinal := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(finalPayload) != expectedFinal {
		return fmt.Errorf("backendauth: server signature mismatch")
	}

	return awaitOK(tr)
}

// awaitOK reads one more authentication frame and requires it to be
// AuthenticationOk — the SASL exchange's success frame is separate from
// the final server-signature frame.
func awaitOK(tr *transport.Transport) error {
	_, authType, err := readAuthFrame(tr)
	if err != nil {
		return err
	}
	if authType != wire.AuthOK {
		return fmt.Errorf("backendauth: expected AuthenticationOk, got %d", authType)
	}
	return nil
}

// readAuthFrame accumulates reads until one complete frame is present and
// returns its payload (minus the 4-byte auth sub-code for 'R' frames) and
// the sub-code itself. ErrorResponse frames surface as an error carrying
// the extracted message.
func readAuthFrame(tr *transport.Transport) (payload []byte, authType int32, err error) {
	var acc []byte
	for {
		res := tr.Read(true, readTimeout)
		switch res.Status {
		case transport.StatusOK:
			acc = append(acc, res.Chunk.Data...)
		case transport.StatusZero:
			return nil, 0, fmt.Errorf("backendauth: no authentication response within %s (or connection closed)", readTimeout)
		case transport.StatusError:
			return nil, 0, fmt.Errorf("backendauth: read: %w", res.Err)
		}

		frame, _, ferr := wire.ExtractFrame(acc, 0)
		if ferr != nil {
			continue // incomplete frame, read more
		}

		switch frame.Kind {
		case wire.TagErrorResponse:
			fields := wire.ParseErrorFields(frame.Data)
			return nil, 0, fmt.Errorf("backend error [%s]: %s", fields.SQLState, fields.Message)
		case wire.TagAuthentication:
			code, cerr := wire.ReadI32(frame.Data)
			if cerr != nil {
				return nil, 0, fmt.Errorf("backendauth: malformed authentication frame: %w", cerr)
			}
			return frame.Data[4:], code, nil
		default:
			return nil, 0, fmt.Errorf("backendauth: unexpected message %q while authenticating", frame.Kind)
		}
	}
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
