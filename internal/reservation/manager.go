// ============================================================================
// rtsd 預留管理器 - CPU 頻寬預留的准入與生命週期
// ============================================================================
//
// Package: internal/reservation
// 文件: manager.go
// 功能: 管理所有客戶端的 CPU 預留，執行准入測試並處理每種請求
//
// 准入測試 (Density Test):
//   每個預留的密度 = budget / min(period, deadline)
//   所有已授予預留的密度總和必須 <= capacity
//   - 通過: StatusGuaranteed，預留加入系統
//   - 不通過: StatusNotGuaranteed，系統狀態不變
//
// 預留生命週期:
//   Create (GUARANTEED)
//      ↓ Attach(pid)
//   Attached
//      ↓ Detach()
//   Detached
//      ↓ Destroy() 或客戶端斷線
//   Released
//
// 所有權規則:
//   - 預留屬於建立它的客戶端 (carrier slot)
//   - 只有擁有者可以 attach/detach/destroy 或查詢剩餘預算
//   - 客戶端斷線時釋放它擁有的所有預留
//
// 數據結構設計:
//   rsvs map[RsvID]*Reservation - 主存儲
//   owners map[int]map[RsvID]struct{} - 擁有者索引，斷線時 O(k) 釋放
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - daemon 迴圈寫入，status / metrics 讀取
//
// ============================================================================

package reservation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/rtsd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 預留不存在
	ErrNotFound = errors.New("reservation not found")
	// 預留屬於其他客戶端
	ErrNotOwner = errors.New("reservation owned by another client")
	// 參數無法被任何容量接受
	ErrInvalidParams = errors.New("invalid reservation parameters")
	// 預留已綁定執行緒
	ErrAttached = errors.New("reservation already has an attached thread")
	// 預留尚未綁定執行緒
	ErrNotAttached = errors.New("reservation has no attached thread")
)

// 浮點累加誤差容忍值
const epsilon = 1e-9

// DefaultCapacity 單處理器的總頻寬
const DefaultCapacity = 1.0

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 預留管理器
type Manager struct {
	mu       sync.RWMutex
	capacity float64
	used     float64
	nextID   types.RsvID
	rsvs     map[types.RsvID]*types.Reservation
	owners   map[int]map[types.RsvID]struct{}
}

// NewManager 建立新的預留管理器
//
// 參數說明：
//   - capacity: 可預留的總頻寬，<= 0 時使用 DefaultCapacity
//
// 併發安全：返回的實例是執行緒安全的
func NewManager(capacity float64) *Manager {
	if capacity <= 0 || math.IsNaN(capacity) || math.IsInf(capacity, 0) {
		capacity = DefaultCapacity
	}
	return &Manager{
		capacity: capacity,
		rsvs:     make(map[types.RsvID]*types.Reservation),
		owners:   make(map[int]map[types.RsvID]struct{}),
	}
}

// Density 計算參數的頻寬密度 budget / min(period, deadline)
// deadline 為 0 表示隱式截止時間 (= period)
func Density(p types.Params) (float64, error) {
	if p.Period == 0 || p.Budget == 0 {
		return 0, fmt.Errorf("%w: period %d budget %d", ErrInvalidParams, p.Period, p.Budget)
	}
	window := p.Period
	if p.Deadline != 0 && p.Deadline < window {
		window = p.Deadline
	}
	if p.Budget > window {
		return 0, fmt.Errorf("%w: budget %dms exceeds window %dms", ErrInvalidParams, p.Budget, window)
	}
	return float64(p.Budget) / float64(window), nil
}

// Handle 處理一個客戶端請求並產生回覆
//
// 參數說明：
//   - client: 發送請求的客戶端
//   - req: 請求內容
//
// 返回值：
//   - types.Reply: 回覆 (Seq 與請求一致)
//
// 錯誤處理：
//   - 所有錯誤轉換為 StatusError，原因寫入 Detail
//   - 未知請求類型回覆 StatusUnsupported
func (m *Manager) Handle(client types.Client, req types.Request) types.Reply {
	rep := types.Reply{Seq: req.Seq, Status: types.StatusOK, Rsv: req.Rsv}

	fail := func(err error) types.Reply {
		rep.Status = types.StatusError
		rep.Detail = err.Error()
		return rep
	}

	switch req.Type {
	case types.ReqCapQuery:
		v, ok := m.CapQuery(req.Query)
		if !ok {
			rep.Status = types.StatusUnsupported
			rep.Detail = fmt.Sprintf("query %d not supported", req.Query)
			return rep
		}
		rep.Value = v

	case types.ReqCreateRsv:
		id, status, err := m.Create(client, req.Params)
		if err != nil {
			return fail(err)
		}
		rep.Status = status
		rep.Rsv = id
		if status == types.StatusNotGuaranteed {
			rep.Detail = "not enough capacity"
		}

	case types.ReqAttachThread:
		if err := m.Attach(client.Slot, req.Rsv, req.Pid); err != nil {
			return fail(err)
		}

	case types.ReqDetachThread:
		if err := m.Detach(client.Slot, req.Rsv); err != nil {
			return fail(err)
		}

	case types.ReqRemainingBudget:
		v, err := m.RemainingBudget(client.Slot, req.Rsv)
		if err != nil {
			return fail(err)
		}
		rep.Value = v

	case types.ReqDestroyRsv:
		if err := m.Destroy(client.Slot, req.Rsv); err != nil {
			return fail(err)
		}

	case types.ReqDisconnect:
		released := m.ReleaseOwner(client.Slot)
		rep.Value = float32(len(released))

	default:
		rep.Status = types.StatusUnsupported
		rep.Detail = fmt.Sprintf("request type %s not supported", req.Type)
	}
	return rep
}

// CapQuery 查詢系統能力
//   - QueryBudget: 總頻寬
//   - QueryRemainingBudget: 尚未預留的頻寬
//
// 不支援的查詢回傳 false
func (m *Manager) CapQuery(q types.QueryType) (float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch q {
	case types.QueryBudget:
		return float32(m.capacity), true
	case types.QueryRemainingBudget:
		return float32(math.Max(m.capacity-m.used, 0)), true
	default:
		return 0, false
	}
}

// Create 執行准入測試並建立預留
//
// 返回值：
//   - RsvID: 授予的預留 ID，未授予時為 NoRsv
//   - Status: StatusGuaranteed 或 StatusNotGuaranteed
//   - error: 參數無效時回傳 ErrInvalidParams
//
// 併發安全：使用互斥鎖保護
func (m *Manager) Create(owner types.Client, p types.Params) (types.RsvID, types.Status, error) {
	u, err := Density(p)
	if err != nil {
		return types.NoRsv, types.StatusError, err
	}
	if p.Deadline == 0 {
		p.Deadline = p.Period
	}
	p.Priority = types.ClampPriority(p.Priority)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used+u > m.capacity+epsilon {
		return types.NoRsv, types.StatusNotGuaranteed, nil
	}

	m.nextID++
	id := m.nextID
	m.rsvs[id] = &types.Reservation{
		ID:          id,
		Owner:       owner.Slot,
		OwnerPID:    owner.PID,
		Params:      p,
		Utilization: u,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if m.owners[owner.Slot] == nil {
		m.owners[owner.Slot] = make(map[types.RsvID]struct{})
	}
	m.owners[owner.Slot][id] = struct{}{}
	m.used += u

	return id, types.StatusGuaranteed, nil
}

// lookup 取得 owner 擁有的預留，呼叫者需持有鎖
func (m *Manager) lookup(owner int, id types.RsvID) (*types.Reservation, error) {
	r, ok := m.rsvs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if r.Owner != owner {
		return nil, fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	return r, nil
}

// Attach 將執行緒綁定到預留
func (m *Manager) Attach(owner int, id types.RsvID, pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("%w: thread id %d", ErrInvalidParams, pid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(owner, id)
	if err != nil {
		return err
	}
	if r.Thread != 0 {
		return fmt.Errorf("%w: %d holds thread %d", ErrAttached, id, r.Thread)
	}
	r.Thread = pid
	r.AttachedAt = time.Now().UnixMilli()
	return nil
}

// Detach 解除預留的執行緒綁定
func (m *Manager) Detach(owner int, id types.RsvID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(owner, id)
	if err != nil {
		return err
	}
	if r.Thread == 0 {
		return fmt.Errorf("%w: %d", ErrNotAttached, id)
	}
	r.Thread = 0
	r.AttachedAt = 0
	return nil
}

// RemainingBudget 回傳預留在當前週期剩餘的預算 (ms)
// 預算的消耗由 OS 排程器計算，這裡回報的是已預留的預算
func (m *Manager) RemainingBudget(owner int, id types.RsvID) (float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookup(owner, id)
	if err != nil {
		return 0, err
	}
	return float32(r.Params.Budget), nil
}

// Destroy 釋放預留
func (m *Manager) Destroy(owner int, id types.RsvID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(owner, id)
	if err != nil {
		return err
	}
	m.remove(r)
	return nil
}

// remove 刪除預留並歸還頻寬，呼叫者需持有鎖
func (m *Manager) remove(r *types.Reservation) {
	delete(m.rsvs, r.ID)
	if ids := m.owners[r.Owner]; ids != nil {
		delete(ids, r.ID)
		if len(ids) == 0 {
			delete(m.owners, r.Owner)
		}
	}
	m.used -= r.Utilization
	if len(m.rsvs) == 0 || m.used < epsilon {
		m.used = 0
	}
}

// ReleaseOwner 釋放客戶端擁有的所有預留
//
// 返回值：
//   - []RsvID: 被釋放的預留 ID (遞增排序)
//
// 用途：客戶端斷線或發送 disconnect 請求時呼叫
func (m *Manager) ReleaseOwner(owner int) []types.RsvID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]types.RsvID, 0, len(m.owners[owner]))
	for id := range m.owners[owner] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m.remove(m.rsvs[id])
	}
	return ids
}

// Get 取得預留的副本
func (m *Manager) Get(id types.RsvID) (types.Reservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rsvs[id]
	if !ok {
		return types.Reservation{}, false
	}
	return *r, true
}

// Capacity 總頻寬
func (m *Manager) Capacity() float64 {
	return m.capacity
}

// Used 已預留的頻寬
func (m *Manager) Used() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Snapshot 回傳所有預留的副本，依 ID 排序
//
// 用途：status 輸出與測試
// 併發安全：使用讀鎖保護
func (m *Manager) Snapshot() []types.Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Reservation, 0, len(m.rsvs))
	for _, r := range m.rsvs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats 取得預留統計資訊
//
// 使用範例：
//
//	stats := m.Stats()
//	log.Printf("預留: %d, 已綁定: %d, 客戶端: %d",
//	    stats["reservations"], stats["attached"], stats["owners"])
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attached := 0
	for _, r := range m.rsvs {
		if r.Thread != 0 {
			attached++
		}
	}
	return map[string]int{
		"reservations": len(m.rsvs),
		"attached":     attached,
		"owners":       len(m.owners),
	}
}
