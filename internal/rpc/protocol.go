// Package rpc implements the framed JSON request/response protocol spoken
// between minions and the coordinator. Each connection carries exactly one
// request and one response.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

const ProtocolVersion = 1

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 10 << 20

// headerSize is the length prefix in front of every frame: a big-endian
// uint32 holding the payload size.
const headerSize = 4

// ErrFrameTooLarge is returned for payloads above MaxFrameSize, on either
// side of the connection.
var ErrFrameTooLarge = errors.New("frame too large")

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorDetail.Code.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
)

// NewRequest encodes params (nil for none) into a request for command.
func NewRequest(command string, params any) (*Request, error) {
	raw, err := encodeOptional(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", command, err)
	}
	return &Request{ProtocolVersion: ProtocolVersion, Command: command, Params: raw}, nil
}

// SuccessResponse wraps data. A value that cannot be encoded turns into an
// internal error response instead.
func SuccessResponse(data any) *Response {
	raw, err := encodeOptional(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, "encode response data: "+err.Error())
	}
	return &Response{Success: true, Data: raw}
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

func encodeOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ParseAddress splits "unix:/path/to.sock" into ("unix", "/path/to.sock").
// Anything else is a TCP host:port.
func ParseAddress(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	return "tcp", addr
}

// FormatAddress is the inverse of ParseAddress.
func FormatAddress(a net.Addr) string {
	if a.Network() == "unix" {
		return "unix:" + a.String()
	}
	return a.String()
}

// WriteFrame encodes v as JSON and writes it behind its length prefix in a
// single write.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
