// Package query implements the executor that drives one PostgreSQL simple-
// query request/reply cycle to completion: it writes a Query message,
// accumulates frames until ReadyForQuery, and decodes the reply into a
// Response.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvictoria/pgvictoria/internal/transport"
	"github.com/pgvictoria/pgvictoria/internal/wire"
)

// pollInterval is how long a Read call is allowed to block before the
// executor checks ctx and loops again; zeroSleep is how long the executor
// sleeps after a StatusZero read before re-reading.
const (
	pollInterval = 200 * time.Millisecond
	zeroSleep    = 1 * time.Millisecond
)

// Tuple is one row of a query response: an ordered list of nullable
// byte-string columns. A nil entry is SQL NULL; a non-nil zero-length
// slice is an empty, non-NULL value.
type Tuple struct {
	Columns [][]byte
}

// Response is the decoded result of a simple-query execution.
type Response struct {
	NumberOfColumns  int
	Names            []string
	Tuples           []*Tuple
	IsCommandComplete bool
	CommandTag       string
}

// BackendError is returned when the backend replies with an ErrorResponse.
// It carries the extracted SQLSTATE and message.
type BackendError struct {
	SQLState string
	Message  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error [%s]: %s", e.SQLState, e.Message)
}

// ProtocolError signals a reply that contains none of T, C, or E, or a
// malformed frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Execute writes queryMsg and reads the reply accumulator until a
// ReadyForQuery ('Z') frame terminates it, then classifies the response:
// an ErrorResponse fails with *BackendError (logged at error); a
// RowDescription builds a row/tuple response; a bare CommandComplete builds
// a single-column command-tag response; anything else is a *ProtocolError.
// The executor does not resync: a StatusError read is fatal for this query
// at any point. A StatusZero read (the poll window elapsing, or EOF) is not
// fatal; the executor keeps reading until ReadyForQuery, an error, or ctx
// is done.
func Execute(ctx context.Context, tr *transport.Transport, queryMsg *wire.Frame, logger *slog.Logger) (*Response, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := tr.Write(queryMsg); err != nil {
		return nil, fmt.Errorf("query: write: %w", err)
	}

	var acc []byte
	accumulating := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		res := tr.Read(true, pollInterval)
		switch res.Status {
		case transport.StatusOK:
			accumulating = true
			acc = append(acc, res.Chunk.Data...)
			if wire.HasMessage(wire.TagReadyForQuery, acc, len(acc), nil) {
				return classify(acc, logger)
			}
		case transport.StatusZero:
			if accumulating {
				// A read timeout while bytes are already in flight is just
				// this call's poll window elapsing, not backend silence;
				// keep accumulating.
				continue
			}
			time.Sleep(zeroSleep)
		case transport.StatusError:
			return nil, fmt.Errorf("query: read: %w", res.Err)
		}
	}
}

func classify(acc []byte, logger *slog.Logger) (*Response, error) {
	var errFields wire.ErrorFields
	if wire.HasMessage(wire.TagErrorResponse, acc, len(acc), func(f wire.ErrorFields) { errFields = f }) {
		logger.Error("backend error response", "sqlstate", errFields.SQLState, "message", errFields.Message)
		return nil, &BackendError{SQLState: errFields.SQLState, Message: errFields.Message}
	}

	if wire.HasMessage(wire.TagRowDescription, acc, len(acc), nil) {
		return buildRowResponse(acc)
	}

	if wire.HasMessage(wire.TagCommandComplete, acc, len(acc), nil) {
		return buildCommandResponse(acc)
	}

	return nil, &ProtocolError{Reason: "response contains none of T, C, or E"}
}

func buildRowResponse(acc []byte) (*Response, error) {
	resp := &Response{}
	off := 0
	for off < len(acc) {
		f, end, err := wire.ExtractFrame(acc, off)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed frame at offset %d: %v", off, err)}
		}
		switch f.Kind {
		case wire.TagRowDescription:
			cols, err := wire.ParseRowDescription(f.Data)
			if err != nil {
				return nil, &ProtocolError{Reason: err.Error()}
			}
			resp.NumberOfColumns = len(cols)
			resp.Names = make([]string, len(cols))
			for i, c := range cols {
				resp.Names[i] = c.Name
			}
		case wire.TagDataRow:
			cols, err := wire.ParseDataRow(f.Data)
			if err != nil {
				return nil, &ProtocolError{Reason: err.Error()}
			}
			resp.Tuples = append(resp.Tuples, &Tuple{Columns: cols})
		case wire.TagReadyForQuery:
			return resp, nil
		}
		off = end
	}
	return resp, nil
}

func buildCommandResponse(acc []byte) (*Response, error) {
	off := 0
	for off < len(acc) {
		f, end, err := wire.ExtractFrame(acc, off)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed frame at offset %d: %v", off, err)}
		}
		if f.Kind == wire.TagCommandComplete {
			tag, err := wire.ParseCommandComplete(f.Data)
			if err != nil {
				return nil, &ProtocolError{Reason: err.Error()}
			}
			return &Response{
				NumberOfColumns:   1,
				Names:             []string{"command"},
				Tuples:            []*Tuple{{Columns: [][]byte{[]byte(tag)}}},
				IsCommandComplete: true,
				CommandTag:        tag,
			}, nil
		}
		off = end
	}
	return nil, &ProtocolError{Reason: "command complete tag not found during scan"}
}
