package wire

// AlignmentSize is the alignment the original's message buffer allocator
// rounds payload sizes up to. Go's allocator already cache-line-aligns
// objects of this size class; the constant is kept so frame-size rounding
// (below) matches byte-for-byte what the original wire format expects from
// a conforming peer, and so DefaultBufferSize accounting stays exact.
const AlignmentSize = 64

// DefaultBufferSize is the maximum number of bytes a single transport read
// draws into a frame's payload.
const DefaultBufferSize = 131072

// NoTag marks an untagged frame (SSLRequest / StartupMessage family), which
// carries no leading tag byte on the wire.
const NoTag byte = 0

// Frame is a single protocol message: an optional tag byte, a length
// (the wire length field, i.e. payload size + 4), and a payload. Frames are
// single-owner value types; Copy returns an independent deep copy.
type Frame struct {
	Kind   byte
	Length int32
	Data   []byte
}

// NewFrame allocates a frame with a zero-filled payload of the given size,
// rounded up to AlignmentSize. Length is set to size+4 (the wire length
// field includes itself but not the tag byte).
func NewFrame(kind byte, size int) *Frame {
	capSize := roundUpPow2(size, AlignmentSize)
	return &Frame{
		Kind:   kind,
		Length: int32(size + 4),
		Data:   make([]byte, size, capSize),
	}
}

func roundUpPow2(n, align int) int {
	if n <= 0 {
		return align
	}
	return (n + align - 1) &^ (align - 1)
}

// Copy returns a deep copy of the frame.
func (f *Frame) Copy() *Frame {
	if f == nil {
		return nil
	}
	cp := &Frame{Kind: f.Kind, Length: f.Length}
	cp.Data = make([]byte, len(f.Data))
	copy(cp.Data, f.Data)
	return cp
}

// Dump renders a short debug summary of the frame; used by tests and
// diagnostic logging rather than the wire path.
func (f *Frame) Dump() string {
	if f == nil {
		return "<nil frame>"
	}
	kind := string(f.Kind)
	if f.Kind == NoTag {
		kind = "<untagged>"
	}
	n := len(f.Data)
	if n > 32 {
		n = 32
	}
	return kindDump(kind, f.Length, f.Data[:n])
}

func kindDump(kind string, length int32, head []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, 16+3*len(head))
	out = append(out, "kind="...)
	out = append(out, kind...)
	out = append(out, " len="...)
	out = appendInt(out, int(length))
	out = append(out, " data="...)
	for _, b := range head {
		out = append(out, hex[b>>4], hex[b&0xf], ' ')
	}
	return string(out)
}

func appendInt(buf []byte, v int) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	return append(buf, tmp[i:]...)
}

// Encode renders the frame as it appears on the wire: tag byte (when
// Kind != NoTag) followed by the big-endian length field and the payload.
func (f *Frame) Encode() []byte {
	out := make([]byte, 0, 5+len(f.Data))
	if f.Kind != NoTag {
		out = append(out, f.Kind)
	}
	out = WriteI32(out, f.Length)
	out = append(out, f.Data...)
	return out
}
