package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ChuLiYu/rtsd/pkg/types"
)

// Access is the client endpoint of a reservation channel. At most one
// request is outstanding at a time.
type Access struct {
	path string
	conn *net.UnixConn
	r    *bufio.Reader

	slot    int
	seq     uint64
	req     types.Request // pending request
	rep     types.Reply   // last reply
	pending bool
	broken  bool
}

// NewAccess returns an unconnected endpoint for the carrier at path.
func NewAccess(path string) *Access {
	if path == "" {
		path = DefaultPath
	}
	return &Access{path: path, slot: -1}
}

// Connect dials the carrier and waits for its admission reply. A full
// carrier yields ErrCapacity; transport failures are wrapped in ErrConnect.
func (a *Access) Connect(ctx context.Context) error {
	if a.conn != nil {
		return fmt.Errorf("%w: already connected", ErrConnect)
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", a.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	a.conn = c.(*net.UnixConn)
	a.r = bufio.NewReader(a.conn)
	a.broken = false

	rep, err := a.read(ctx)
	if err != nil {
		a.Close()
		return fmt.Errorf("%w: handshake: %w", ErrConnect, err)
	}

	switch rep.Status {
	case types.StatusOK:
		a.slot = int(rep.Value)
		return nil
	case types.StatusCapacityExhausted:
		a.Close()
		return ErrCapacity
	default:
		a.Close()
		return fmt.Errorf("%w: handshake status %s", ErrConnect, rep.Status)
	}
}

// Send stamps req with the next sequence number and transmits it.
func (a *Access) Send(req types.Request) error {
	if a.conn == nil {
		return ErrNotConnected
	}
	if a.broken {
		return ErrBroken
	}
	if a.pending {
		return ErrPending
	}

	a.seq++
	req.Seq = a.seq
	frame := appendFrame(nil, encodeRequest(req))
	if _, err := a.conn.Write(frame); err != nil {
		a.broken = true
		return fmt.Errorf("channel: send: %w", err)
	}

	a.req = req
	a.pending = true
	return nil
}

// Recv blocks until the reply to the outstanding request arrives or ctx is
// done. A cancelled exchange leaves the endpoint broken.
func (a *Access) Recv(ctx context.Context) (types.Reply, error) {
	if a.conn == nil {
		return types.Reply{}, ErrNotConnected
	}
	if a.broken {
		return types.Reply{}, ErrBroken
	}
	if !a.pending {
		return types.Reply{}, ErrNoRequest
	}

	for {
		rep, err := a.read(ctx)
		if err != nil {
			a.broken = true
			return types.Reply{}, err
		}
		// Replies to earlier requests are stale.
		if rep.Seq < a.req.Seq {
			continue
		}
		a.pending = false
		a.rep = rep
		return rep, nil
	}
}

// Exchange sends req and waits for its reply.
func (a *Access) Exchange(ctx context.Context, req types.Request) (types.Reply, error) {
	if err := a.Send(req); err != nil {
		return types.Reply{}, err
	}
	return a.Recv(ctx)
}

func (a *Access) read(ctx context.Context) (types.Reply, error) {
	deadline, _ := ctx.Deadline()
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return types.Reply{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		a.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, err := readFrame(a.r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Reply{}, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return types.Reply{}, context.DeadlineExceeded
		}
		return types.Reply{}, fmt.Errorf("channel: recv: %w", err)
	}
	return decodeReply(msg)
}

// Slot is the carrier slot assigned at admission, -1 before.
func (a *Access) Slot() int { return a.slot }

// Pending reports whether a request awaits its reply.
func (a *Access) Pending() bool { return a.pending }

// LastReply returns the most recently received reply.
func (a *Access) LastReply() types.Reply { return a.rep }

// Connected reports whether the endpoint holds a live connection.
func (a *Access) Connected() bool { return a.conn != nil && !a.broken }

// Close drops the connection. Closing twice is a no-op.
func (a *Access) Close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.r = nil
	a.pending = false
	a.slot = -1
	return err
}
