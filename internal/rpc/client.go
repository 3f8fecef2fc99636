package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

type Client struct {
	network string
	address string
	timeout time.Duration
}

// NewClient returns a client for addr ("host:port" or "unix:/path").
func NewClient(addr string) *Client {
	network, address := ParseAddress(addr)
	return &Client{
		network: network,
		address: address,
		timeout: 30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send performs one round trip. Every failure before a response is decoded
// is a *TransportError.
func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

// SendContext is Send bounded by ctx as well as the client timeout.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Addr: c.address, Err: err}
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, &TransportError{Op: "send " + req.Command, Addr: c.address, Err: ctxErr(ctx, err)}
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, &TransportError{Op: "receive " + req.Command, Addr: c.address, Err: ctxErr(ctx, err)}
	}

	return &resp, nil
}

// ctxErr prefers the context's error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends command and decodes the response data into out (which may be
// nil). Error responses come back as *RemoteError.
func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}

func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.SendContext(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		re := &RemoteError{Command: command, Code: ErrCodeInternal, Message: "error response without detail"}
		if resp.Error != nil {
			re.Code = resp.Error.Code
			re.Message = resp.Error.Message
		}
		return re
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}
