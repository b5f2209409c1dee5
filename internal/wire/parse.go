package wire

import "fmt"

// Column describes one column of a RowDescription.
type Column struct {
	Name         string
	TableOID     int32
	ColumnAttnum int16
	TypeOID      int32
	TypeSize     int16
	TypeModifier int32
	FormatCode   int16
}

// ParseRowDescription parses a RowDescription ('T') frame payload (the bytes
// after the 1-byte tag and 4-byte length): i16 column count, then per
// column name\0 + 18 bytes of fixed fields.
func ParseRowDescription(payload []byte) ([]Column, error) {
	count, err := ReadI16(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: row description column count: %w", err)
	}
	cols := make([]Column, 0, count)
	rest := payload[2:]
	for i := int16(0); i < count; i++ {
		name, n, err := ReadString(rest)
		if err != nil {
			return nil, fmt.Errorf("wire: row description column %d name: %w", i, err)
		}
		rest = rest[n:]
		if len(rest) < 18 {
			return nil, &ErrShortBuffer{Want: 18, Have: len(rest)}
		}
		tableOID, _ := ReadI32(rest[0:4])
		attnum, _ := ReadI16(rest[4:6])
		typeOID, _ := ReadI32(rest[6:10])
		typeSize, _ := ReadI16(rest[10:12])
		typeMod, _ := ReadI32(rest[12:16])
		formatCode, _ := ReadI16(rest[16:18])
		cols = append(cols, Column{
			Name:         name,
			TableOID:     tableOID,
			ColumnAttnum: attnum,
			TypeOID:      typeOID,
			TypeSize:     typeSize,
			TypeModifier: typeMod,
			FormatCode:   formatCode,
		})
		rest = rest[18:]
	}
	return cols, nil
}

// NullColumn is the sentinel value ParseDataRow returns for a column whose
// wire length was -1 (SQL NULL). It is distinguished from an empty,
// non-NULL value (represented as a non-nil zero-length slice).
var NullColumn []byte = nil

// ParseDataRow parses a DataRow ('D') frame payload: i16 column count, then
// per column an i32 length (or -1 for NULL) followed by that many bytes.
func ParseDataRow(payload []byte) ([][]byte, error) {
	count, err := ReadI16(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: data row column count: %w", err)
	}
	cols := make([][]byte, 0, count)
	rest := payload[2:]
	for i := int16(0); i < count; i++ {
		n, err := ReadI32(rest)
		if err != nil {
			return nil, fmt.Errorf("wire: data row column %d length: %w", i, err)
		}
		rest = rest[4:]
		if n < 0 {
			cols = append(cols, NullColumn)
			continue
		}
		if int(n) > len(rest) {
			return nil, &ErrShortBuffer{Want: int(n), Have: len(rest)}
		}
		val := make([]byte, n)
		copy(val, rest[:n])
		cols = append(cols, val)
		rest = rest[n:]
	}
	return cols, nil
}

// ParseCommandComplete returns the human-readable command tag carried by a
// CommandComplete ('C') frame payload.
func ParseCommandComplete(payload []byte) (string, error) {
	tag, _, err := ReadString(payload)
	if err != nil {
		return "", fmt.Errorf("wire: command complete tag: %w", err)
	}
	return tag, nil
}

// ParseErrorFields extracts field_type_byte + NUL-terminated UTF-8 value
// pairs from an ErrorResponse/NoticeResponse payload. Extraction stops at a
// zero field byte or the end of the buffer.
func ParseErrorFields(payload []byte) ErrorFields {
	var f ErrorFields
	rest := payload
	for len(rest) > 0 {
		fieldType := rest[0]
		if fieldType == 0 {
			break
		}
		rest = rest[1:]
		val, n, err := ReadString(rest)
		if err != nil {
			break
		}
		rest = rest[n:]
		switch fieldType {
		case 'S':
			f.Severity = val
		case 'V':
			f.SeverityNonLocalized = val
		case 'C':
			f.SQLState = val
		case 'M':
			f.Message = val
		}
	}
	return f
}

// RequestIdentifier extracts the first int32 after the length field of an
// untagged startup-family frame payload — the protocol code used to
// distinguish SSLRequest (80877103) from StartupMessage (196608).
func RequestIdentifier(payload []byte) (int32, error) {
	return ReadI32(payload)
}

// HasMessage scans a concatenation of well-formed tagged frames stepping by
// 1 (tag) + the frame's length field per frame, and reports whether any
// frame carries the given tag. It never reads past n bytes of buf. If tag is
// TagErrorResponse and a match is found, the caller-supplied onError
// callback (may be nil) receives the extracted fields of the first match.
func HasMessage(tag byte, buf []byte, n int, onError func(ErrorFields)) bool {
	if n > len(buf) {
		n = len(buf)
	}
	buf = buf[:n]
	found := false
	for len(buf) >= 5 {
		kind := buf[0]
		length, err := ReadI32(buf[1:5])
		if err != nil || length < 4 {
			return found
		}
		frameEnd := 1 + int(length)
		if frameEnd > len(buf) {
			return found
		}
		if kind == tag {
			if kind == TagErrorResponse && onError != nil && !found {
				onError(ParseErrorFields(buf[5:frameEnd]))
			}
			found = true
		}
		buf = buf[frameEnd:]
	}
	return found
}

// ExtractFrame returns the frame located at byte offset off within buf,
// or an error if the header at that offset is malformed or incomplete.
func ExtractFrame(buf []byte, off int) (*Frame, int, error) {
	if off+5 > len(buf) {
		return nil, 0, &ErrShortBuffer{Want: off + 5, Have: len(buf)}
	}
	kind := buf[off]
	length, err := ReadI32(buf[off+1 : off+5])
	if err != nil {
		return nil, 0, err
	}
	end := off + 1 + int(length)
	if end > len(buf) || length < 4 {
		return nil, 0, &ErrShortBuffer{Want: end, Have: len(buf)}
	}
	data := make([]byte, length-4)
	copy(data, buf[off+5:end])
	return &Frame{Kind: kind, Length: length, Data: data}, end, nil
}
