// Package client is the kvs-client side of the wire protocol: dial once
// per operation, send one request, read one response.
package client

import (
	"errors"
	"fmt"
	"net"

	"github.com/rkatre/kvs/internal/engine"
	"github.com/rkatre/kvs/internal/protocol"
)

// Client dials addr fresh for every call, matching spec.md §4.8's
// one-request-per-connection-turn model — there is no connection pooling
// or pipelining to reason about.
type Client struct {
	addr string
}

func New(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) call(req *protocol.Request) (*protocol.Response, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// Get returns the value and true, or "" and false if the server reports
// the key absent.
func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.call(&protocol.Request{Get: &protocol.GetRequest{Key: key}})
	if err != nil {
		return "", false, err
	}

	switch {
	case resp.GetValue != nil:
		return resp.GetValue.Value, true, nil
	case resp.Failure != nil && resp.Failure.Code == protocol.NotFound:
		return "", false, nil
	case resp.Failure != nil:
		return "", false, fmt.Errorf("server error")
	default:
		return "", false, fmt.Errorf("unexpected response to Get")
	}
}

// Set stores key=value, returning an error if the server reports failure.
func (c *Client) Set(key, value string) error {
	resp, err := c.call(&protocol.Request{Set: &protocol.SetRequest{Key: key, Value: value}})
	if err != nil {
		return err
	}
	return responseToErr(resp)
}

// Remove deletes key, returning engine.ErrKeyNotFound if the server
// reports the key was absent (per spec.md §6's client exit-code contract).
func (c *Client) Remove(key string) error {
	resp, err := c.call(&protocol.Request{Delete: &protocol.DeleteRequest{Key: key}})
	if err != nil {
		return err
	}
	return responseToErr(resp)
}

// Compact forces the server to run the reserved `compact` operation.
func (c *Client) Compact() error {
	resp, err := c.call(&protocol.Request{Compact: &protocol.CompactRequest{}})
	if err != nil {
		return err
	}
	return responseToErr(resp)
}

func responseToErr(resp *protocol.Response) error {
	switch {
	case resp.Success != nil:
		return nil
	case resp.Failure != nil && resp.Failure.Code == protocol.NotFound:
		return fmt.Errorf("%w", engine.ErrKeyNotFound)
	case resp.Failure != nil:
		return errors.New("server error")
	default:
		return errors.New("unexpected response")
	}
}
