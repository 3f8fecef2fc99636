package rpc

import (
	"errors"
	"fmt"
)

// TransportError means the request never produced a response: the peer was
// unreachable, or the connection broke or timed out mid-call.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is a well-formed error response from the server.
type RemoteError struct {
	Command string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Command, e.Code, e.Message)
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RemoteCode returns the error code of a RemoteError in err's chain, or "".
func RemoteCode(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
