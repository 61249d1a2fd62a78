// Package rpcclient provides remote access to a dosx debugger/rpc
// server: a thin typed wrapper over net/rpc, the way
// program/client/client.go wraps ogleproxy's RPC surface.
package rpcclient

import (
	"net/rpc"

	"github.com/dosx-project/dosx/debugger/proxyrpc"
)

// Client is a connected handle to a remote debugger/rpc.Server.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to a dosx debugger RPC server at addr (host:port).
func Dial(addr string) (*Client, error) {
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: c}, nil
}

func (c *Client) Close() error { return c.rpc.Close() }

func (c *Client) Attach(name string, argv []string) error {
	req := &proxyrpc.AttachRequest{Name: name, Argv: argv}
	var resp proxyrpc.AttachResponse
	return c.rpc.Call("Server.Attach", req, &resp)
}

func (c *Client) Command(line string) (string, error) {
	req := &proxyrpc.CommandRequest{Line: line}
	var resp proxyrpc.CommandResponse
	if err := c.rpc.Call("Server.Command", req, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

func (c *Client) ListBreakpoints() ([]proxyrpc.BreakpointInfo, error) {
	req := &proxyrpc.ListBreakpointsRequest{}
	var resp proxyrpc.ListBreakpointsResponse
	if err := c.rpc.Call("Server.ListBreakpoints", req, &resp); err != nil {
		return nil, err
	}
	return resp.Breakpoints, nil
}

func (c *Client) Status() (string, error) {
	req := &proxyrpc.StatusRequest{}
	var resp proxyrpc.StatusResponse
	if err := c.rpc.Call("Server.Status", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
