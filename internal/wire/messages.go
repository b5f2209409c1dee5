package wire

import "fmt"

// Tag bytes for every message kind the engine emits or consumes. Untagged
// startup-family frames (SSLRequest, StartupMessage) use NoTag.
const (
	TagAuthentication  byte = 'R'
	TagPassword        byte = 'p'
	TagQuery           byte = 'Q'
	TagRowDescription  byte = 'T'
	TagDataRow         byte = 'D'
	TagCommandComplete byte = 'C'
	TagReadyForQuery   byte = 'Z'
	TagErrorResponse   byte = 'E'
	TagNoticeResponse  byte = 'N'
	TagTerminate       byte = 'X'
	TagCopyData        byte = 'd'
	TagEmpty           byte = 0
)

// Authentication request sub-codes carried in the first int32 of an 'R' frame.
const (
	AuthOK                int32 = 0
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
	AuthSASL              int32 = 10
	AuthSASLContinue      int32 = 11
	AuthSASLFinal         int32 = 12
)

// ProtocolVersion is PostgreSQL protocol version 3.0 (3<<16 | 0).
const ProtocolVersion int32 = 196608

// SSLRequestCode is the magic value a client sends in place of a protocol
// version to request a TLS upgrade before the real startup message.
const SSLRequestCode int32 = 80877103

// ApplicationName is the application_name startup parameter this engine
// always identifies itself with.
const ApplicationName = "pgvictoria"

// MaxQueryLength bounds the text of a single Query ('Q') message. Queries
// longer than this are refused with an error rather than silently
// truncated (see DESIGN.md's resolution of the original's snprintf/memcpy
// dual-path truncation hazard).
const MaxQueryLength = 1024

// SSLRequest builds the untagged SSLRequest frame: length=8, magic=80877103.
func SSLRequest() *Frame {
	f := NewFrame(NoTag, 4)
	f.Data = f.Data[:0]
	f.Data = WriteI32(f.Data, SSLRequestCode)
	f.Length = 8
	return f
}

// StartupOptions configures a StartupMessage.
type StartupOptions struct {
	User        string
	Database    string
	Replication bool
	// Extra carries additional key/value startup parameters (e.g. "options").
	Extra map[string]string
}

// StartupMessage builds the untagged StartupMessage frame: length, protocol
// version, then NUL-terminated key/value pairs, always including user,
// database, and application_name, terminated by an extra NUL.
func StartupMessage(opts StartupOptions) *Frame {
	body := WriteI32(nil, ProtocolVersion)
	body = WriteString(body, "user")
	body = WriteString(body, opts.User)
	body = WriteString(body, "database")
	body = WriteString(body, opts.Database)
	body = WriteString(body, "application_name")
	body = WriteString(body, ApplicationName)
	if opts.Replication {
		body = WriteString(body, "replication")
		body = WriteString(body, "1")
	}
	for k, v := range opts.Extra {
		body = WriteString(body, k)
		body = WriteString(body, v)
	}
	body = append(body, 0) // terminating NUL

	f := &Frame{Kind: NoTag, Length: int32(len(body) + 4), Data: body}
	return f
}

// PasswordMessage builds a cleartext password response ('p').
func PasswordMessage(password string) *Frame {
	body := WriteString(nil, password)
	return tagged(TagPassword, body)
}

// MD5PasswordMessage builds an MD5 password response ('p'). hexDigest is the
// already-computed "md5"+hex(digest) string; this constructor does not
// compute the digest itself (the caller derives it from the server's salt).
func MD5PasswordMessage(hexDigest string) *Frame {
	body := WriteString(nil, hexDigest)
	return tagged(TagPassword, body)
}

// SCRAMInitialMessage builds the SASLInitialResponse password message ('p'):
// "SCRAM-SHA-256\0" + i32 length + " n,,n=,r=<nonce>" (no trailing NUL after
// the nonce; the length field carries the boundary).
func SCRAMInitialMessage(clientNonce string) *Frame {
	clientFirst := "n,,n=,r=" + clientNonce
	body := WriteString(nil, "SCRAM-SHA-256")
	body = WriteI32(body, int32(len(clientFirst)))
	body = append(body, clientFirst...)
	return tagged(TagPassword, body)
}

// SCRAMContinueMessage builds the SASLResponse password message ('p'):
// "<channelBindingAndNonce>,p=<proof>".
func SCRAMContinueMessage(channelBindingAndNonce, base64Proof string) *Frame {
	body := append([]byte(channelBindingAndNonce), ",p="...)
	body = append(body, base64Proof...)
	return tagged(TagPassword, body)
}

// AuthSCRAMChallenge builds the AuthenticationSASL ('R', code 10) challenge:
// i32 code=10, "SCRAM-SHA-256\0\0" (mechanism list terminated by a bare NUL).
func AuthSCRAMChallenge() *Frame {
	body := WriteI32(nil, AuthSASL)
	body = WriteString(body, "SCRAM-SHA-256")
	body = append(body, 0)
	return tagged(TagAuthentication, body)
}

// AuthSCRAMContinue builds the AuthenticationSASLContinue ('R', code 11)
// server-first-message: i32 code=11, "r=<cn><sn>,s=<salt>,i=4096".
func AuthSCRAMContinue(clientNonce, serverNonce, base64Salt string, iterations int) *Frame {
	msg := fmt.Sprintf("r=%s%s,s=%s,i=%d", clientNonce, serverNonce, base64Salt, iterations)
	body := WriteI32(nil, AuthSASLContinue)
	body = append(body, msg...)
	return tagged(TagAuthentication, body)
}

// AuthSCRAMFinal builds the AuthenticationSASLFinal ('R', code 12)
// server-final-message: i32 code=12, "v=<serverSignature>".
func AuthSCRAMFinal(base64ServerSignature string) *Frame {
	body := WriteI32(nil, AuthSASLFinal)
	body = append(body, "v="...)
	body = append(body, base64ServerSignature...)
	return tagged(TagAuthentication, body)
}

// AuthOKMessage builds the AuthenticationOk ('R', code 0) frame.
func AuthOKMessage() *Frame {
	body := WriteI32(nil, AuthOK)
	return tagged(TagAuthentication, body)
}

// Query builds a simple-query 'Q' message. Queries longer than
// MaxQueryLength are refused rather than truncated.
func Query(sql string) (*Frame, error) {
	if len(sql) > MaxQueryLength {
		return nil, fmt.Errorf("wire: query of %d bytes exceeds MaxQueryLength (%d)", len(sql), MaxQueryLength)
	}
	body := WriteString(nil, sql)
	return tagged(TagQuery, body), nil
}

// IdentifySystem builds the IDENTIFY_SYSTEM replication command as a 'Q' frame.
func IdentifySystem() *Frame {
	f, _ := Query("IDENTIFY_SYSTEM")
	return f
}

// TimelineHistory builds the TIMELINE_HISTORY <n> replication command.
func TimelineHistory(timeline int) *Frame {
	f, _ := Query(fmt.Sprintf("TIMELINE_HISTORY %d", timeline))
	return f
}

// ReadReplicationSlot builds the READ_REPLICATION_SLOT <slot> command.
func ReadReplicationSlot(slot string) *Frame {
	f, _ := Query(fmt.Sprintf("READ_REPLICATION_SLOT %s", slot))
	return f
}

// StartReplicationOptions parameterizes the START_REPLICATION command.
type StartReplicationOptions struct {
	Slot     string // optional; empty means no SLOT clause
	XLogPos  string // e.g. "0/0" or a concrete LSN; empty defaults to "0/0"
	Timeline int
}

// StartReplication builds the START_REPLICATION [SLOT <slot>] PHYSICAL
// <xlogpos> TIMELINE <n> command.
func StartReplication(opts StartReplicationOptions) *Frame {
	xlogpos := opts.XLogPos
	if xlogpos == "" {
		xlogpos = "0/0"
	}
	var cmd string
	if opts.Slot != "" {
		cmd = fmt.Sprintf("START_REPLICATION SLOT %s PHYSICAL %s TIMELINE %d", opts.Slot, xlogpos, opts.Timeline)
	} else {
		cmd = fmt.Sprintf("START_REPLICATION PHYSICAL %s TIMELINE %d", xlogpos, opts.Timeline)
	}
	f, _ := Query(cmd)
	return f
}

// y2000Micros is the number of microseconds between the Unix epoch and
// 2000-01-01 00:00:00 UTC, the epoch PostgreSQL timestamps are measured from.
const y2000Micros int64 = 946684800000000

// StandbyStatusUpdate builds the standby status update CopyData ('d')
// message: 'r', three i64 LSNs (received, flushed, applied), an i64
// microsecond timestamp relative to 2000-01-01, and a trailing
// reply-requested byte.
func StandbyStatusUpdate(received, flushed, applied int64, nowUnixMicros int64, replyRequested bool) *Frame {
	body := []byte{'r'}
	body = WriteI64(body, received)
	body = WriteI64(body, flushed)
	body = WriteI64(body, applied)
	body = WriteI64(body, nowUnixMicros-y2000Micros)
	body = WriteBool(body, replyRequested)
	return tagged(TagCopyData, body)
}

// CopyDataMessage wraps an opaque payload in a CopyData ('d') frame.
func CopyDataMessage(payload []byte) *Frame {
	return tagged(TagCopyData, append([]byte(nil), payload...))
}

// Terminate builds the Terminate ('X') frame.
func Terminate() *Frame {
	return tagged(TagTerminate, nil)
}

// Empty builds the untagged empty frame.
func Empty() *Frame {
	return &Frame{Kind: TagEmpty, Length: 4, Data: nil}
}

// ErrorFields holds the subset of ErrorResponse/NoticeResponse fields this
// engine emits and consumes.
type ErrorFields struct {
	Severity           string // 'S'
	SeverityNonLocalized string // 'V'
	SQLState           string // 'C'
	Message            string // 'M'
}

// ErrorResponse builds an ErrorResponse ('E') frame from the given fields.
func ErrorResponse(f ErrorFields) *Frame {
	return tagged(TagErrorResponse, encodeErrorFields(f))
}

// NoticeResponse builds a NoticeResponse ('N') frame, same shape as 'E'.
func NoticeResponse(f ErrorFields) *Frame {
	return tagged(TagNoticeResponse, encodeErrorFields(f))
}

func encodeErrorFields(f ErrorFields) []byte {
	var body []byte
	if f.Severity != "" {
		body = append(body, 'S')
		body = WriteString(body, f.Severity)
	}
	if f.SeverityNonLocalized != "" {
		body = append(body, 'V')
		body = WriteString(body, f.SeverityNonLocalized)
	}
	if f.SQLState != "" {
		body = append(body, 'C')
		body = WriteString(body, f.SQLState)
	}
	if f.Message != "" {
		body = append(body, 'M')
		body = WriteString(body, f.Message)
	}
	body = append(body, 0) // field-list terminator
	return body
}

// ConnectionRefused builds the fixed ErrorResponse sent to reject a client
// before the handshake completes.
func ConnectionRefused(reason string) *Frame {
	return ErrorResponse(ErrorFields{
		Severity:             "FATAL",
		SeverityNonLocalized: "FATAL",
		SQLState:             "08004",
		Message:              "connection refused: " + reason,
	})
}

func tagged(kind byte, body []byte) *Frame {
	return &Frame{Kind: kind, Length: int32(len(body) + 4), Data: body}
}
