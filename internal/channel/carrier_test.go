package channel

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/rtsd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 50 * time.Millisecond

func newTestCarrier(t *testing.T, maxSize int, onRelease func(types.Client)) *Carrier {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtsd.sock")
	c := NewCarrier(Options{Path: path, MaxSize: maxSize, Timeout: testTimeout, OnRelease: onRelease})
	require.NoError(t, c.Init())
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connectAccess runs the client handshake against a blocking NewConn.
func connectAccess(t *testing.T, c *Carrier) (*Access, int) {
	t.Helper()
	a := NewAccess(c.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(testCtx(t)) }()

	id, err := c.NewConn()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	t.Cleanup(func() { a.Close() })
	return a, id
}

// connectRaw admits a bare socket so tests can write arbitrary bytes.
func connectRaw(t *testing.T, c *Carrier) (net.Conn, int) {
	t.Helper()
	conn, err := net.Dial("unix", c.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	id, err := c.NewConn()
	require.NoError(t, err)
	return conn, id
}

func TestCarrierInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	c := NewCarrier(Options{Path: path})
	require.NoError(t, c.Init(), "stale socket file must be replaced")
	defer c.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, fi.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o777), fi.Mode().Perm())

	assert.Equal(t, DefaultMaxSize, c.Cap())
	assert.Equal(t, DefaultTimeout, c.Timeout())
	assert.Zero(t, c.Size())
}

func TestCarrierAdmission(t *testing.T) {
	c := newTestCarrier(t, 4, nil)

	a, id := connectAccess(t, c)
	assert.Equal(t, 0, id)
	assert.Equal(t, 0, a.Slot(), "handshake carries the slot index")
	assert.Equal(t, 1, c.Size())

	client, ok := c.Client(id)
	require.True(t, ok)
	assert.Equal(t, id, client.Slot)
	assert.Equal(t, os.Getpid(), client.PID)

	_, id2 := connectAccess(t, c)
	assert.Equal(t, 1, id2)
	assert.Len(t, c.Clients(), 2)
}

func TestCarrierRejectsWhenFull(t *testing.T) {
	const maxSize = 3
	c := newTestCarrier(t, maxSize, nil)
	for i := 0; i < maxSize; i++ {
		connectAccess(t, c)
	}
	require.Equal(t, maxSize, c.Size())

	a := NewAccess(c.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(testCtx(t)) }()

	id, err := c.NewConn()
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, -1, id)
	assert.Equal(t, maxSize, c.Size(), "rejection leaves the table untouched")

	assert.ErrorIs(t, <-errCh, ErrCapacity)
	assert.False(t, a.Connected())
}

func TestCarrierAdmitAndRejectHooks(t *testing.T) {
	var admitted []types.Client
	rejected := 0
	path := filepath.Join(t.TempDir(), "hooks.sock")
	c := NewCarrier(Options{
		Path:     path,
		MaxSize:  1,
		Timeout:  testTimeout,
		OnAdmit:  func(cl types.Client) { admitted = append(admitted, cl) },
		OnReject: func() { rejected++ },
	})
	require.NoError(t, c.Init())
	defer c.Close()

	_, id := connectAccess(t, c)
	require.Len(t, admitted, 1)
	assert.Equal(t, id, admitted[0].Slot)

	a := NewAccess(c.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(testCtx(t)) }()
	_, err := c.NewConn()
	assert.ErrorIs(t, err, ErrCapacity)
	assert.ErrorIs(t, <-errCh, ErrCapacity)

	assert.Equal(t, 1, rejected)
	assert.Len(t, admitted, 1)
}

func TestCarrierHandshakeFailurePairsHooks(t *testing.T) {
	var admitted, released []types.Client
	path := filepath.Join(t.TempDir(), "handshake.sock")
	c := NewCarrier(Options{
		Path:      path,
		MaxSize:   2,
		Timeout:   testTimeout,
		OnAdmit:   func(cl types.Client) { admitted = append(admitted, cl) },
		OnRelease: func(cl types.Client) { released = append(released, cl) },
	})
	require.NoError(t, c.Init())
	defer c.Close()

	// The peer is gone before the daemon answers the handshake.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	if _, err := c.NewConn(); err == nil {
		// The reply made it into the socket buffer; the hangup is seen on Update.
		require.NoError(t, c.Update())
	}

	assert.Equal(t, 0, c.Size())
	require.Len(t, admitted, 1)
	require.Len(t, released, 1)
	assert.Equal(t, admitted[0].Slot, released[0].Slot)
}

func TestCarrierReleaseFreesSlot(t *testing.T) {
	c := newTestCarrier(t, 2, nil)
	connectAccess(t, c)
	_, id := connectAccess(t, c)

	require.NoError(t, c.Release(0))
	assert.Equal(t, 1, c.Size())
	assert.ErrorIs(t, c.Release(0), ErrNoClient)

	_, again := connectAccess(t, c)
	assert.Equal(t, 0, again, "first empty slot is reused")
	assert.Equal(t, 1, id)
}

func TestCarrierGetConn(t *testing.T) {
	c := newTestCarrier(t, 2, nil)

	start := time.Now()
	ok, err := c.GetConn()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), testTimeout, "GetConn must not wait")

	a := NewAccess(c.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(testCtx(t)) }()
	defer a.Close()

	require.Eventually(t, func() bool {
		ok, _ := c.GetConn()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, c.Size())
}

func TestCarrierRequestReply(t *testing.T) {
	c := newTestCarrier(t, 4, nil)
	a, id := connectAccess(t, c)

	req := types.Request{Type: types.ReqCreateRsv, Params: types.Params{Period: 100, Budget: 10, Deadline: 100, Priority: 10}}
	require.NoError(t, a.Send(req))
	assert.ErrorIs(t, a.Send(req), ErrPending)

	require.NoError(t, c.Update())
	require.True(t, c.IsUpdated(id))

	got, ok := c.Recv(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, types.ReqCreateRsv, got.Type)
	assert.Equal(t, req.Params, got.Params)
	assert.Equal(t, got, *c.Req(id))

	require.NoError(t, c.Send(types.Reply{Seq: got.Seq, Status: types.StatusGuaranteed, Rsv: 1}, id))
	rep, err := a.Recv(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, types.StatusGuaranteed, rep.Status)
	assert.Equal(t, types.RsvID(1), rep.Rsv)
	assert.Equal(t, rep, a.LastReply())
	assert.False(t, a.Pending())

	// Nothing new: the flag is cleared by the next cycle.
	require.NoError(t, c.Update())
	assert.False(t, c.IsUpdated(id))
}

func TestCarrierSameSequenceIsNotUpdate(t *testing.T) {
	c := newTestCarrier(t, 2, nil)
	conn, id := connectRaw(t, c)

	frame := appendFrame(nil, encodeRequest(types.Request{Seq: 5, Type: types.ReqCapQuery}))
	_, err := conn.Write(frame)
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.True(t, c.IsUpdated(id))

	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.False(t, c.IsUpdated(id), "repeated sequence number")

	// Several frames in one read: only the newest is kept.
	var burst []byte
	for seq := uint64(6); seq <= 8; seq++ {
		burst = appendFrame(burst, encodeRequest(types.Request{Seq: seq, Type: types.ReqRemainingBudget, Rsv: types.RsvID(seq)}))
	}
	_, err = conn.Write(burst)
	require.NoError(t, err)
	require.NoError(t, c.Update())
	require.True(t, c.IsUpdated(id))
	got, _ := c.Recv(id)
	assert.Equal(t, uint64(8), got.Seq)
	assert.Equal(t, types.RsvID(8), got.Rsv)
}

func TestCarrierUpdateBoundedWithSlowClient(t *testing.T) {
	c := newTestCarrier(t, 4, nil)
	slow, slowID := connectRaw(t, c)
	fast, fastID := connectAccess(t, c)

	frame := appendFrame(nil, encodeRequest(types.Request{Seq: 1, Type: types.ReqCapQuery}))
	_, err := slow.Write(frame[:2])
	require.NoError(t, err)
	require.NoError(t, fast.Send(types.Request{Type: types.ReqCapQuery}))

	start := time.Now()
	require.NoError(t, c.Update())
	assert.Less(t, time.Since(start), testTimeout+100*time.Millisecond)
	assert.True(t, c.IsUpdated(fastID), "ready slot is serviced")
	assert.False(t, c.IsUpdated(slowID), "partial frame is not a request")

	// Only the slow client is pending: the cycle returns after Timeout.
	start = time.Now()
	require.NoError(t, c.Update())
	assert.Less(t, time.Since(start), testTimeout+100*time.Millisecond)
	assert.False(t, c.IsUpdated(slowID))

	_, err = slow.Write(frame[2:])
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.True(t, c.IsUpdated(slowID), "frame completes across cycles")
	assert.Equal(t, 2, c.Size())
}

func TestCarrierHangupReleasesSlot(t *testing.T) {
	var released []types.Client
	c := newTestCarrier(t, 2, func(cl types.Client) { released = append(released, cl) })
	a, id := connectAccess(t, c)
	connectAccess(t, c)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		_ = c.Update()
		return c.Size() == 1
	}, 2*time.Second, time.Millisecond)

	require.Len(t, released, 1)
	assert.Equal(t, id, released[0].Slot)
	_, ok := c.Client(id)
	assert.False(t, ok)
}

func TestCarrierBadFrameDropsClient(t *testing.T) {
	c := newTestCarrier(t, 2, nil)
	conn, _ := connectRaw(t, c)

	_, err := conn.Write([]byte{0xff, 0xff, 0xff, 0x7f}) // length far above MaxFrameSize
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.Zero(t, c.Size())
}

func TestCarrierSelect(t *testing.T) {
	c := newTestCarrier(t, 3, nil)
	a0, _ := connectAccess(t, c)
	_, _ = connectAccess(t, c)
	a2, _ := connectAccess(t, c)
	require.NoError(t, c.Release(1))

	require.NoError(t, a0.Send(types.Request{Type: types.ReqCapQuery}))
	require.NoError(t, a2.Send(types.Request{Type: types.ReqDestroyRsv, Rsv: 4}))
	require.Eventually(t, func() bool {
		_ = c.Update()
		r0, _ := c.Recv(0)
		r2, _ := c.Recv(2)
		return r0.Seq == 1 && r2.Seq == 1
	}, 2*time.Second, time.Millisecond)

	out := make([]types.Request, c.Cap())
	n := c.Select(out)
	assert.Equal(t, 2, n)
	assert.Equal(t, types.ReqCapQuery, out[0].Type)
	assert.Equal(t, types.Request{}, out[1])
	assert.Equal(t, types.ReqDestroyRsv, out[2].Type)
	assert.Equal(t, types.RsvID(4), out[2].Rsv)
}

func TestCarrierInvalidSlot(t *testing.T) {
	c := newTestCarrier(t, 2, nil)

	assert.False(t, c.IsUpdated(-1))
	assert.False(t, c.IsUpdated(5))
	assert.Nil(t, c.Req(0))
	_, ok := c.Recv(1)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Send(types.Reply{}, 0), ErrNoClient)
	assert.ErrorIs(t, c.Release(9), ErrNoClient)
}

func TestCarrierCloseDisconnectsClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtsd.sock")
	released := 0
	c := NewCarrier(Options{Path: path, MaxSize: 2, Timeout: testTimeout, OnRelease: func(types.Client) { released++ }})
	require.NoError(t, c.Init())

	a, _ := connectAccess(t, c)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, released)
	assert.Zero(t, c.Size())

	// Depending on timing the peer close shows up on write or on read.
	if err := a.Send(types.Request{Type: types.ReqCapQuery}); err == nil {
		_, err = a.Recv(testCtx(t))
		assert.Error(t, err)
	}
	assert.ErrorIs(t, a.Send(types.Request{}), ErrBroken)

	_, err := c.NewConn()
	assert.ErrorIs(t, err, ErrNotConnected)
}
