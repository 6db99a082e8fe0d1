package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Priority orders requests within the driver's queue. Higher values are
// dispatched first; requests of equal Priority dispatch in FIFO order.
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

// String returns a human-readable name of the Priority.
func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Urgent:
		return "URGENT"
	default:
		return fmt.Sprintf("Priority(%d)", p)
	}
}

// Request is an immutable driver operation: a correlation ID, a method name,
// typed parameters, and the Priority and Timeout under which it runs.
type Request struct {
	ID        uuid.UUID
	Method    string
	Params    map[string]Value
	Priority  Priority
	CreatedAt time.Time
	Timeout   time.Duration
}

// NewRequest returns a Request of |method| and |params| with a fresh
// correlation ID and CreatedAt of now.
func NewRequest(method string, params map[string]Value, priority Priority, timeout time.Duration) *Request {
	return &Request{
		ID:        uuid.New(),
		Method:    method,
		Params:    params,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
		Timeout:   timeout,
	}
}

// ResultTag discriminates the variants of a Result.
type ResultTag uint8

const (
	// TagSuccess is a Result carrying operation data.
	TagSuccess ResultTag = iota
	// TagError is a Result carrying a typed error code and message.
	TagError
	// TagRows is a Result carrying selected row records.
	TagRows
)

// Result is the single outcome of a Request: exactly one of the Success,
// Error, or Rows variants, correlated to its Request by ID.
type Result struct {
	ID  uuid.UUID
	Tag ResultTag

	// Data is set iff Tag is TagSuccess.
	Data map[string]Value
	// Code and Message are set iff Tag is TagError.
	Code    Code
	Message string
	// Rows is set iff Tag is TagRows.
	Rows []map[string]Value
}

// NewSuccess returns a TagSuccess Result of |data|.
func NewSuccess(id uuid.UUID, data map[string]Value) *Result {
	return &Result{ID: id, Tag: TagSuccess, Data: data}
}

// NewError returns a TagError Result of |code| and a formatted message.
func NewError(id uuid.UUID, code Code, format string, args ...interface{}) *Result {
	return &Result{ID: id, Tag: TagError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorFrom returns a TagError Result classified from |err| via CodeOf.
func ErrorFrom(id uuid.UUID, err error) *Result {
	return &Result{ID: id, Tag: TagError, Code: CodeOf(err), Message: err.Error()}
}

// NewRows returns a TagRows Result of |rows|.
func NewRows(id uuid.UUID, rows []map[string]Value) *Result {
	return &Result{ID: id, Tag: TagRows, Rows: rows}
}

// Err returns a CodedError if the Result is TagError, and nil otherwise.
func (r *Result) Err() error {
	if r.Tag != TagError {
		return nil
	}
	return &CodedError{Code: r.Code, Err: errors.New(r.Message)}
}

// Message type tags, leading each frame payload.
const (
	msgRequest = 0x01
	msgResult  = 0x02
)

// AppendRequest appends a complete framed encoding of |r| to |b|, which is
// grown as needed and returned.
func AppendRequest(b []byte, r *Request) []byte {
	var offset = len(b)
	b = appendFrameHeader(b, 0)

	b = append(b, msgRequest)
	b = append(b, r.ID[:]...)
	b = appendString(b, r.Method)
	b = append(b, byte(r.Priority))
	b = binary.AppendVarint(b, r.CreatedAt.UTC().Unix())
	b = binary.AppendUvarint(b, uint64(r.CreatedAt.UTC().Nanosecond()))
	b = binary.AppendVarint(b, int64(r.Timeout))
	b = appendValueMap(b, r.Params)

	return finishFrame(b, offset)
}

// AppendResult appends a complete framed encoding of |r| to |b|, which is
// grown as needed and returned.
func AppendResult(b []byte, r *Result) []byte {
	var offset = len(b)
	b = appendFrameHeader(b, 0)

	b = append(b, msgResult)
	b = append(b, r.ID[:]...)
	b = append(b, byte(r.Tag))

	switch r.Tag {
	case TagSuccess:
		b = appendValueMap(b, r.Data)
	case TagError:
		b = appendString(b, string(r.Code))
		b = appendString(b, r.Message)
	case TagRows:
		b = binary.AppendUvarint(b, uint64(len(r.Rows)))
		for _, row := range r.Rows {
			b = appendValueMap(b, row)
		}
	default:
		panic(fmt.Sprintf("invalid result tag %d", r.Tag))
	}
	return finishFrame(b, offset)
}

// DecodeRequest decodes a Request from frame payload |b|, as returned by
// UnpackFrame. Content beyond the decoded fields is ignored, allowing a
// future revision to extend the encoding.
func DecodeRequest(b []byte) (*Request, error) {
	var err error
	if b, err = consumeMsgType(b, msgRequest); err != nil {
		return nil, err
	}

	var r = new(Request)
	if b, err = consumeUUID(b, &r.ID); err != nil {
		return nil, errors.WithMessage(err, "request id")
	}
	if r.Method, b, err = consumeString(b); err != nil {
		return nil, errors.WithMessage(err, "request method")
	}
	if len(b) < 1 {
		return nil, errors.New("truncated request priority")
	}
	r.Priority, b = Priority(b[0]), b[1:]
	if r.Priority > Urgent {
		return nil, errors.Errorf("invalid request priority %d", r.Priority)
	}

	var sec, n = binary.Varint(b)
	if n <= 0 {
		return nil, errors.New("malformed request created seconds")
	}
	b = b[n:]
	var nsec, m = binary.Uvarint(b)
	if m <= 0 || nsec >= 1e9 {
		return nil, errors.New("malformed request created nanoseconds")
	}
	b = b[m:]
	r.CreatedAt = time.Unix(sec, int64(nsec)).UTC()

	var timeout int64
	if timeout, n = binary.Varint(b); n <= 0 {
		return nil, errors.New("malformed request timeout")
	}
	b = b[n:]
	r.Timeout = time.Duration(timeout)

	if r.Params, _, err = consumeValueMap(b); err != nil {
		return nil, errors.WithMessage(err, "request params")
	}
	return r, nil
}

// DecodeResult decodes a Result from frame payload |b|, as returned by
// UnpackFrame. Content beyond the decoded fields is ignored.
func DecodeResult(b []byte) (*Result, error) {
	var err error
	if b, err = consumeMsgType(b, msgResult); err != nil {
		return nil, err
	}

	var r = new(Result)
	if b, err = consumeUUID(b, &r.ID); err != nil {
		return nil, errors.WithMessage(err, "result id")
	}
	if len(b) < 1 {
		return nil, errors.New("truncated result tag")
	}
	r.Tag, b = ResultTag(b[0]), b[1:]

	switch r.Tag {
	case TagSuccess:
		if r.Data, _, err = consumeValueMap(b); err != nil {
			return nil, errors.WithMessage(err, "result data")
		}
	case TagError:
		var code string
		if code, b, err = consumeString(b); err != nil {
			return nil, errors.WithMessage(err, "result error code")
		}
		r.Code = Code(code)
		if r.Message, _, err = consumeString(b); err != nil {
			return nil, errors.WithMessage(err, "result error message")
		}
	case TagRows:
		var n, c = binary.Uvarint(b)
		if c <= 0 {
			return nil, errors.New("malformed result row count")
		}
		b = b[c:]

		// A row is at least its own (uvarint) column count. A larger claim is
		// malformed, and must not drive an allocation.
		if n > uint64(len(b)) {
			return nil, errors.Errorf("result row count %d exceeds remaining payload (%d bytes)", n, len(b))
		}
		r.Rows = make([]map[string]Value, n)
		for i := range r.Rows {
			if r.Rows[i], b, err = consumeValueMap(b); err != nil {
				return nil, errors.WithMessagef(err, "result row %d", i)
			}
		}
	default:
		return nil, errors.Errorf("unknown result tag %d", r.Tag)
	}
	return r, nil
}

func consumeMsgType(b []byte, expect byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, errors.New("empty frame payload")
	} else if b[0] != expect {
		return nil, errors.Errorf("unexpected message type 0x%02x (expected 0x%02x)", b[0], expect)
	}
	return b[1:], nil
}

func consumeUUID(b []byte, id *uuid.UUID) ([]byte, error) {
	if len(b) < 16 {
		return nil, errors.New("truncated uuid")
	}
	copy(id[:], b[:16])
	return b[16:], nil
}
