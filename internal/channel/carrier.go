package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/rtsd/pkg/types"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"github.com/tailscale/peercred"
)

// Options configures a Carrier.
type Options struct {
	Path    string        // listening address, DefaultPath if empty
	MaxSize int           // slot table capacity, DefaultMaxSize if <= 0
	Timeout time.Duration // Update bound and write deadline, DefaultTimeout if <= 0

	// OnAdmit is called once a client holds a slot, before the handshake
	// reply. Every OnAdmit is followed by exactly one OnRelease for the slot.
	OnAdmit func(c types.Client)

	// OnRelease is called after a slot is torn down, whether by Release,
	// a client hangup or Close.
	OnRelease func(c types.Client)

	// OnReject is called when a connection is refused for lack of slots.
	OnReject func()

	Logger *slog.Logger
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotOccupied
)

type slot struct {
	state   slotState
	conn    *net.UnixConn
	raw     syscall.RawConn
	fd      int
	client  types.Client
	lastSeq uint64
	req     types.Request
	updated bool
	buf     []byte // bytes of a not yet complete frame
}

// Carrier is the daemon endpoint of a reservation channel: a listener plus a
// fixed-capacity table of client slots. It is driven by one goroutine.
type Carrier struct {
	opts  Options
	log   *slog.Logger
	ln    *net.UnixListener
	lfd   int
	slots []slot
	size  int

	rbuf    []byte
	pollfds []unix.PollFd
	pollids []int

	warn *rate.Limiter
}

// NewCarrier returns a carrier with an empty slot table. Call Init before use.
func NewCarrier(opts Options) *Carrier {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Carrier{
		opts:  opts,
		log:   logger.With("component", "carrier"),
		lfd:   -1,
		slots: make([]slot, opts.MaxSize),
		rbuf:  make([]byte, 2*MaxFrameSize),
		warn:  rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Init starts listening. A stale socket file at a filesystem path is
// removed first.
func (c *Carrier) Init() error {
	if c.ln != nil {
		return nil
	}

	path := c.opts.Path
	abstract := strings.HasPrefix(path, "@")
	if !abstract {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("carrier: remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("carrier: listen %s: %w", path, err)
	}

	if !abstract {
		if err := os.Chmod(path, 0o777); err != nil {
			ln.Close()
			return fmt.Errorf("carrier: chmod socket: %w", err)
		}
	}

	raw, err := ln.SyscallConn()
	if err != nil {
		ln.Close()
		return fmt.Errorf("carrier: listener fd: %w", err)
	}
	if err := raw.Control(func(fd uintptr) { c.lfd = int(fd) }); err != nil {
		ln.Close()
		return fmt.Errorf("carrier: listener fd: %w", err)
	}

	c.ln = ln
	c.log.Info("Carrier listening", "path", path, "max_size", c.opts.MaxSize, "timeout", c.opts.Timeout)
	return nil
}

// Addr is the listening address.
func (c *Carrier) Addr() string { return c.opts.Path }

// Size is the number of occupied slots.
func (c *Carrier) Size() int { return c.size }

// Cap is the slot table capacity.
func (c *Carrier) Cap() int { return len(c.slots) }

// Timeout is the Update bound.
func (c *Carrier) Timeout() time.Duration { return c.opts.Timeout }

// NewConn blocks until a client connects and admits it. It returns the slot
// index, or ErrCapacity if the table is full (the client is told so and
// disconnected; Size is unchanged).
func (c *Carrier) NewConn() (int, error) {
	if c.ln == nil {
		return -1, ErrNotConnected
	}
	if err := c.ln.SetDeadline(time.Time{}); err != nil {
		return -1, fmt.Errorf("carrier: accept: %w", err)
	}
	conn, err := c.ln.AcceptUnix()
	if err != nil {
		return -1, fmt.Errorf("carrier: accept: %w", err)
	}
	return c.admit(conn)
}

// GetConn admits a pending connection without blocking. It reports whether
// a client was admitted.
func (c *Carrier) GetConn() (bool, error) {
	if c.ln == nil {
		return false, ErrNotConnected
	}

	fds := []unix.PollFd{{Fd: int32(c.lfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("carrier: poll listener: %w", err)
	}
	if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return false, nil
	}

	id, err := c.NewConn()
	if err != nil {
		return false, err
	}
	return id >= 0, nil
}

func (c *Carrier) admit(conn *net.UnixConn) (int, error) {
	id := -1
	for i := range c.slots {
		if c.slots[i].state == slotEmpty {
			id = i
			break
		}
	}
	if id < 0 {
		c.reject(conn)
		return -1, ErrCapacity
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return -1, fmt.Errorf("carrier: client fd: %w", err)
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		conn.Close()
		return -1, fmt.Errorf("carrier: client fd: %w", err)
	}

	client := types.Client{Slot: id, PID: -1}
	if cred, err := peercred.Get(conn); err == nil {
		if pid, ok := cred.PID(); ok {
			client.PID = pid
		}
		if uid, ok := cred.UserID(); ok {
			client.UID = uid
		}
	} else {
		c.log.Debug("Reading peer credentials failed", "slot", id, "error", err)
	}

	c.slots[id] = slot{
		state:  slotOccupied,
		conn:   conn,
		raw:    raw,
		fd:     fd,
		client: client,
	}
	c.size++

	c.log.Info("Client connected", "slot", id, "pid", client.PID, "uid", client.UID, "size", c.size)
	if c.opts.OnAdmit != nil {
		c.opts.OnAdmit(client)
	}

	if err := c.write(&c.slots[id], types.Reply{Status: types.StatusOK, Value: float32(id)}); err != nil {
		c.Release(id)
		return -1, fmt.Errorf("carrier: handshake slot %d: %w", id, err)
	}
	return id, nil
}

func (c *Carrier) reject(conn *net.UnixConn) {
	frame := appendFrame(nil, encodeReply(types.Reply{
		Status: types.StatusCapacityExhausted,
		Detail: "carrier capacity exhausted",
	}))
	conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	conn.Write(frame)
	conn.Close()

	if c.warn.Allow() {
		c.log.Warn("Connection rejected, slot table full", "capacity", len(c.slots))
	}
	if c.opts.OnReject != nil {
		c.opts.OnReject()
	}
}

// Update services every occupied slot once. It waits at most Timeout for any
// of them to become readable, then reads whatever each readable slot has
// without blocking. Update flags are reset at the start of each call.
func (c *Carrier) Update() error {
	c.pollfds = c.pollfds[:0]
	c.pollids = c.pollids[:0]
	for i := range c.slots {
		s := &c.slots[i]
		s.updated = false
		if s.state != slotOccupied {
			continue
		}
		c.pollfds = append(c.pollfds, unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN})
		c.pollids = append(c.pollids, i)
	}
	// A pending connection ends the wait early so it is admitted promptly.
	if c.ln != nil {
		c.pollfds = append(c.pollfds, unix.PollFd{Fd: int32(c.lfd), Events: unix.POLLIN})
	}
	if len(c.pollfds) == 0 {
		time.Sleep(c.opts.Timeout)
		return nil
	}

	n, err := unix.Poll(c.pollfds, int(c.opts.Timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("carrier: poll: %w", err)
	}
	if n == 0 {
		return nil
	}

	for k, id := range c.pollids {
		if c.pollfds[k].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			c.drain(id)
		}
	}
	return nil
}

// drain performs one non-blocking read on slot id and decodes every complete
// frame received so far. Only the newest request is kept.
func (c *Carrier) drain(id int) {
	s := &c.slots[id]

	var n int
	var rerr error
	err := s.raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), c.rbuf)
		return true
	})
	if err == nil {
		err = rerr
	}
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		c.log.Warn("Client read failed", "slot", id, "error", err)
		c.Release(id)
		return
	case n == 0:
		c.log.Info("Client hung up", "slot", id, "pid", s.client.PID)
		c.Release(id)
		return
	}

	s.buf = append(s.buf, c.rbuf[:n]...)
	rest := s.buf
	for {
		msg, used, err := nextFrame(rest)
		if err != nil {
			c.log.Warn("Dropping client after bad frame", "slot", id, "error", err)
			c.Release(id)
			return
		}
		if used == 0 {
			break
		}
		req, err := decodeRequest(msg)
		rest = rest[used:]
		if err != nil {
			c.log.Warn("Dropping client after bad request", "slot", id, "error", err)
			c.Release(id)
			return
		}
		if req.Seq != s.lastSeq {
			s.lastSeq = req.Seq
			s.req = req
			s.updated = true
		}
	}
	s.buf = append(s.buf[:0], rest...)
}

// Select copies each slot's latest request into out, index aligned with the
// slot table. Empty slots yield a zero Request. It returns Size.
func (c *Carrier) Select(out []types.Request) int {
	for i := 0; i < len(out) && i < len(c.slots); i++ {
		if c.slots[i].state == slotOccupied {
			out[i] = c.slots[i].req
		} else {
			out[i] = types.Request{}
		}
	}
	return c.size
}

// IsUpdated reports whether slot id received a new request during the last
// Update.
func (c *Carrier) IsUpdated(id int) bool {
	s := c.slot(id)
	return s != nil && s.updated
}

// Recv returns the latest request stored for slot id.
func (c *Carrier) Recv(id int) (types.Request, bool) {
	s := c.slot(id)
	if s == nil {
		return types.Request{}, false
	}
	return s.req, true
}

// Req exposes the stored request of slot id, nil for an empty slot.
func (c *Carrier) Req(id int) *types.Request {
	s := c.slot(id)
	if s == nil {
		return nil
	}
	return &s.req
}

// Client returns the identity of the client in slot id.
func (c *Carrier) Client(id int) (types.Client, bool) {
	s := c.slot(id)
	if s == nil {
		return types.Client{}, false
	}
	return s.client, true
}

// Clients lists the connected clients in slot order.
func (c *Carrier) Clients() []types.Client {
	out := make([]types.Client, 0, c.size)
	for i := range c.slots {
		if c.slots[i].state == slotOccupied {
			out = append(out, c.slots[i].client)
		}
	}
	return out
}

// Send writes reply to slot id. A write that cannot complete within Timeout
// fails; the slot is left in place for the caller to decide.
func (c *Carrier) Send(reply types.Reply, id int) error {
	s := c.slot(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrNoClient, id)
	}
	if err := c.write(s, reply); err != nil {
		return fmt.Errorf("carrier: send to slot %d: %w", id, err)
	}
	return nil
}

func (c *Carrier) write(s *slot, reply types.Reply) error {
	frame := appendFrame(nil, encodeReply(reply))
	if err := s.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

// Release closes slot id and marks it empty.
func (c *Carrier) Release(id int) error {
	s := c.slot(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrNoClient, id)
	}
	client := s.client
	err := s.conn.Close()
	c.slots[id] = slot{}
	c.size--

	if c.opts.OnRelease != nil {
		c.opts.OnRelease(client)
	}
	return err
}

// Close releases every slot and stops listening.
func (c *Carrier) Close() error {
	var result *multierror.Error
	for i := range c.slots {
		if c.slots[i].state != slotOccupied {
			continue
		}
		if err := c.Release(i); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.ln != nil {
		if err := c.ln.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("carrier: close listener: %w", err))
		}
		c.ln = nil
		c.lfd = -1
	}
	return result.ErrorOrNil()
}

func (c *Carrier) slot(id int) *slot {
	if id < 0 || id >= len(c.slots) || c.slots[id].state != slotOccupied {
		return nil
	}
	return &c.slots[id]
}
