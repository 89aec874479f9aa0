// Package rts is the application-side library of the rtsd daemon: it asks
// for CPU reservations, binds threads to them and releases them.
package rts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/rtsd/internal/channel"
	"github.com/ChuLiYu/rtsd/pkg/types"
)

var (
	// ErrRequestFailed is returned when the daemon answers with an error status.
	ErrRequestFailed = errors.New("rts: request failed")
	// ErrCapacity is returned by Connect when every daemon slot is taken.
	ErrCapacity = channel.ErrCapacity
	// ErrConnect is returned by Connect when the daemon cannot be reached.
	ErrConnect = channel.ErrConnect
)

// Client is a connection to the daemon. It is safe for concurrent use;
// exchanges are serialized since the channel is half duplex.
type Client struct {
	mu  sync.Mutex
	acc *channel.Access
}

// Connect opens a client connection to the daemon at path (the default
// address if empty). ErrCapacity means the daemon is full.
func Connect(ctx context.Context, path string) (*Client, error) {
	acc := channel.NewAccess(path)
	if err := acc.Connect(ctx); err != nil {
		return nil, err
	}
	return &Client{acc: acc}, nil
}

func (c *Client) exchange(ctx context.Context, req types.Request) (types.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.Exchange(ctx, req)
}

func (c *Client) expectOK(ctx context.Context, req types.Request) error {
	rep, err := c.exchange(ctx, req)
	if err != nil {
		return err
	}
	if rep.Status != types.StatusOK {
		return statusError(req.Type, rep)
	}
	return nil
}

func statusError(t types.RequestType, rep types.Reply) error {
	if rep.Detail != "" {
		return fmt.Errorf("%w: %s: %s: %s", ErrRequestFailed, t, rep.Status, rep.Detail)
	}
	return fmt.Errorf("%w: %s: %s", ErrRequestFailed, t, rep.Status)
}

// CapQuery asks for a system capability. Zero means the daemon does not
// support the notion queried.
func (c *Client) CapQuery(ctx context.Context, q types.QueryType) (float32, error) {
	rep, err := c.exchange(ctx, types.Request{Type: types.ReqCapQuery, Query: q})
	if err != nil {
		return 0, err
	}
	if rep.Status != types.StatusOK {
		return 0, nil
	}
	return rep.Value, nil
}

// CreateRsv asks for a reservation. The status is StatusGuaranteed when
// admitted, StatusNotGuaranteed when the daemon lacks capacity; only
// transport failures and malformed parameters return an error.
func (c *Client) CreateRsv(ctx context.Context, p *Params) (types.RsvID, types.Status, error) {
	if err := p.Validate(); err != nil {
		return types.NoRsv, types.StatusError, err
	}
	rep, err := c.exchange(ctx, types.Request{Type: types.ReqCreateRsv, Params: p.Wire()})
	if err != nil {
		return types.NoRsv, types.StatusError, err
	}
	return rep.Rsv, rep.Status, nil
}

// AttachThread binds the OS thread pid to reservation id.
func (c *Client) AttachThread(ctx context.Context, id types.RsvID, pid int) error {
	return c.expectOK(ctx, types.Request{Type: types.ReqAttachThread, Rsv: id, Pid: int32(pid)})
}

// DetachThread unbinds the thread attached to reservation id.
func (c *Client) DetachThread(ctx context.Context, id types.RsvID) error {
	return c.expectOK(ctx, types.Request{Type: types.ReqDetachThread, Rsv: id})
}

// RemainingBudget returns the budget left to reservation id in the current
// period, in milliseconds.
func (c *Client) RemainingBudget(ctx context.Context, id types.RsvID) (float32, error) {
	req := types.Request{Type: types.ReqRemainingBudget, Rsv: id}
	rep, err := c.exchange(ctx, req)
	if err != nil {
		return 0, err
	}
	if rep.Status != types.StatusOK {
		return 0, statusError(req.Type, rep)
	}
	return rep.Value, nil
}

// Destroy releases reservation id.
func (c *Client) Destroy(ctx context.Context, id types.RsvID) error {
	return c.expectOK(ctx, types.Request{Type: types.ReqDestroyRsv, Rsv: id})
}

// Disconnect tells the daemon to release everything this client holds and
// closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.expectOK(ctx, types.Request{Type: types.ReqDisconnect})
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close drops the connection without notifying the daemon. The daemon
// releases the client's reservations when it notices the hangup.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.Close()
}

// Slot is the carrier slot the daemon assigned to this client.
func (c *Client) Slot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.Slot()
}
