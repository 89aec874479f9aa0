package reservation

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/ChuLiYu/rtsd/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func client(slot int) types.Client {
	return types.Client{Slot: slot, PID: 1000 + slot}
}

func params(period, budget, deadline uint32) types.Params {
	return types.Params{Period: period, Budget: budget, Deadline: deadline, Priority: 10}
}

// mustCreate creates a reservation that has to be admitted
func mustCreate(t *testing.T, m *Manager, owner int, p types.Params) types.RsvID {
	t.Helper()
	id, status, err := m.Create(client(owner), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status != types.StatusGuaranteed {
		t.Fatalf("create: status %s, want GUARANTEED", status)
	}
	return id
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func assertUsed(t *testing.T, m *Manager, want float64) {
	t.Helper()
	if got := m.Used(); math.Abs(got-want) > 1e-9 {
		t.Errorf("used: got %f, want %f", got, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewManager(t *testing.T) {
	if got := NewManager(0).Capacity(); got != DefaultCapacity {
		t.Errorf("zero capacity: got %f, want %f", got, DefaultCapacity)
	}
	if got := NewManager(math.NaN()).Capacity(); got != DefaultCapacity {
		t.Errorf("NaN capacity: got %f", got)
	}
	if got := NewManager(2).Capacity(); got != 2 {
		t.Errorf("capacity: got %f, want 2", got)
	}
}

func TestDensity(t *testing.T) {
	tests := []struct {
		p    types.Params
		want float64
		err  bool
	}{
		{params(100, 20, 100), 0.2, false},
		{params(100, 20, 80), 0.25, false},
		{params(100, 20, 0), 0.2, false},   // implicit deadline
		{params(100, 20, 200), 0.2, false}, // deadline beyond period
		{params(0, 20, 80), 0, true},
		{params(100, 0, 80), 0, true},
		{params(100, 90, 80), 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d/%d", tt.p.Period, tt.p.Budget, tt.p.Deadline), func(t *testing.T) {
			got, err := Density(tt.p)
			if tt.err {
				assertError(t, err, ErrInvalidParams)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCreateAdmission(t *testing.T) {
	m := NewManager(1.0)

	a := mustCreate(t, m, 0, params(100, 50, 100))
	b := mustCreate(t, m, 1, params(10, 3, 10))
	if a == b || a == types.NoRsv || b == types.NoRsv {
		t.Fatalf("ids not unique: %d %d", a, b)
	}
	assertUsed(t, m, 0.8)

	// 0.8 + 0.25 > 1.0
	id, status, err := m.Create(client(0), params(100, 20, 80))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != types.StatusNotGuaranteed || id != types.NoRsv {
		t.Errorf("got (%d, %s), want (0, NOT_GUARANTEED)", id, status)
	}
	assertUsed(t, m, 0.8)

	// Exactly filling the capacity is admitted.
	mustCreate(t, m, 2, params(100, 20, 100))
	assertUsed(t, m, 1.0)

	if _, _, err := m.Create(client(0), params(0, 1, 1)); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestCreateStoresParams(t *testing.T) {
	m := NewManager(1)
	p := params(100, 10, 0)
	p.Priority = 500
	id := mustCreate(t, m, 3, p)

	r, ok := m.Get(id)
	if !ok {
		t.Fatal("reservation not found")
	}
	if r.Params.Deadline != 100 {
		t.Errorf("deadline: got %d, want implicit 100", r.Params.Deadline)
	}
	if r.Params.Priority != types.HighPrio {
		t.Errorf("priority: got %d, want clamped %d", r.Params.Priority, types.HighPrio)
	}
	if r.Owner != 3 || r.OwnerPID != 1003 {
		t.Errorf("owner: got slot %d pid %d", r.Owner, r.OwnerPID)
	}
	if r.CreatedAt == 0 {
		t.Error("created_at not set")
	}
}

func TestCapQuery(t *testing.T) {
	m := NewManager(1)
	mustCreate(t, m, 0, params(100, 30, 100))

	if v, ok := m.CapQuery(types.QueryBudget); !ok || v != 1 {
		t.Errorf("budget: got %f %v", v, ok)
	}
	if v, ok := m.CapQuery(types.QueryRemainingBudget); !ok || math.Abs(float64(v)-0.7) > 1e-6 {
		t.Errorf("remaining: got %f %v", v, ok)
	}
	if _, ok := m.CapQuery(types.QueryType(42)); ok {
		t.Error("unknown query must be unsupported")
	}
}

func TestAttachDetach(t *testing.T) {
	m := NewManager(1)
	id := mustCreate(t, m, 0, params(100, 10, 100))

	assertError(t, m.Attach(0, id, 0), ErrInvalidParams)
	assertError(t, m.Attach(1, id, 77), ErrNotOwner)
	assertError(t, m.Attach(0, id+100, 77), ErrNotFound)
	assertError(t, m.Detach(0, id), ErrNotAttached)

	if err := m.Attach(0, id, 77); err != nil {
		t.Fatalf("attach: %v", err)
	}
	assertError(t, m.Attach(0, id, 78), ErrAttached)

	r, _ := m.Get(id)
	if r.Thread != 77 || r.AttachedAt == 0 {
		t.Errorf("attach not recorded: %+v", r)
	}
	if got := m.Stats()["attached"]; got != 1 {
		t.Errorf("attached: got %d, want 1", got)
	}

	if err := m.Detach(0, id); err != nil {
		t.Fatalf("detach: %v", err)
	}
	r, _ = m.Get(id)
	if r.Thread != 0 || r.AttachedAt != 0 {
		t.Errorf("detach not recorded: %+v", r)
	}
}

func TestRemainingBudget(t *testing.T) {
	m := NewManager(1)
	id := mustCreate(t, m, 0, params(100, 25, 100))

	v, err := m.RemainingBudget(0, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 25 {
		t.Errorf("got %f, want 25", v)
	}
	_, err = m.RemainingBudget(1, id)
	assertError(t, err, ErrNotOwner)
}

func TestDestroy(t *testing.T) {
	m := NewManager(1)
	id := mustCreate(t, m, 0, params(100, 40, 100))

	assertError(t, m.Destroy(1, id), ErrNotOwner)
	if err := m.Destroy(0, id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	assertUsed(t, m, 0)
	assertError(t, m.Destroy(0, id), ErrNotFound)

	// Freed capacity can be granted again.
	mustCreate(t, m, 1, params(100, 100, 100))
}

func TestReleaseOwner(t *testing.T) {
	m := NewManager(1)
	a := mustCreate(t, m, 0, params(100, 10, 100))
	mustCreate(t, m, 1, params(100, 10, 100))
	c := mustCreate(t, m, 0, params(100, 10, 100))

	ids := m.ReleaseOwner(0)
	if len(ids) != 2 || ids[0] != a || ids[1] != c {
		t.Errorf("released: got %v, want [%d %d]", ids, a, c)
	}
	assertUsed(t, m, 0.1)

	if got := m.ReleaseOwner(0); len(got) != 0 {
		t.Errorf("second release: got %v", got)
	}
	stats := m.Stats()
	if stats["reservations"] != 1 || stats["owners"] != 1 {
		t.Errorf("stats: %v", stats)
	}
}

func TestHandle(t *testing.T) {
	m := NewManager(1)
	cl := client(2)

	rep := m.Handle(cl, types.Request{Seq: 1, Type: types.ReqCreateRsv, Params: params(100, 60, 100)})
	if rep.Seq != 1 || rep.Status != types.StatusGuaranteed || rep.Rsv == types.NoRsv {
		t.Fatalf("create: %+v", rep)
	}
	id := rep.Rsv

	rep = m.Handle(cl, types.Request{Seq: 2, Type: types.ReqCreateRsv, Params: params(100, 60, 100)})
	if rep.Status != types.StatusNotGuaranteed || rep.Detail == "" {
		t.Errorf("over capacity: %+v", rep)
	}

	rep = m.Handle(cl, types.Request{Seq: 3, Type: types.ReqCapQuery, Query: types.QueryRemainingBudget})
	if rep.Status != types.StatusOK || math.Abs(float64(rep.Value)-0.4) > 1e-6 {
		t.Errorf("remaining: %+v", rep)
	}

	rep = m.Handle(cl, types.Request{Seq: 4, Type: types.ReqAttachThread, Rsv: id, Pid: 4242})
	if rep.Status != types.StatusOK {
		t.Errorf("attach: %+v", rep)
	}

	rep = m.Handle(client(5), types.Request{Seq: 5, Type: types.ReqDestroyRsv, Rsv: id})
	if rep.Status != types.StatusError || rep.Detail == "" {
		t.Errorf("foreign destroy: %+v", rep)
	}

	rep = m.Handle(cl, types.Request{Seq: 6, Type: types.ReqRemainingBudget, Rsv: id})
	if rep.Status != types.StatusOK || rep.Value != 60 {
		t.Errorf("remaining budget: %+v", rep)
	}

	rep = m.Handle(cl, types.Request{Seq: 7, Type: types.RequestType(99)})
	if rep.Status != types.StatusUnsupported {
		t.Errorf("unknown type: %+v", rep)
	}

	rep = m.Handle(cl, types.Request{Seq: 8, Type: types.ReqCapQuery, Query: types.QueryType(9)})
	if rep.Status != types.StatusUnsupported {
		t.Errorf("unknown query: %+v", rep)
	}

	rep = m.Handle(cl, types.Request{Seq: 9, Type: types.ReqDisconnect})
	if rep.Status != types.StatusOK || rep.Value != 1 {
		t.Errorf("disconnect: %+v", rep)
	}
	assertUsed(t, m, 0)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentCreateNeverOverbooks(t *testing.T) {
	m := NewManager(1)

	var wg sync.WaitGroup
	for owner := 0; owner < 16; owner++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				m.Create(client(owner), params(100, 1, 100))
				m.Snapshot()
			}
		}(owner)
	}
	wg.Wait()

	if got := len(m.Snapshot()); got != 100 {
		t.Errorf("reservations: got %d, want 100", got)
	}
	if m.Used() > m.Capacity()+epsilon {
		t.Errorf("overbooked: used %f > capacity %f", m.Used(), m.Capacity())
	}
}
