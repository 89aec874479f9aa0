package daemon

import (
	"cmp"
	"errors"
	"math"
	"time"

	"github.com/ChuLiYu/rtsd/internal/channel"
	"github.com/ChuLiYu/rtsd/internal/journal"
	"github.com/ChuLiYu/rtsd/internal/list"
	"github.com/ChuLiYu/rtsd/pkg/types"
)

// ============================================================================
// 控制循環
// ============================================================================

// pending 是本週期待處理的一個請求
type pending struct {
	client types.Client
	req    types.Request
}

// relDeadline 返回請求的相對截止時間；沒有時間參數的請求排在最後
func relDeadline(p types.Params) uint32 {
	switch {
	case p.Deadline != 0:
		return p.Deadline
	case p.Period != 0:
		return p.Period
	default:
		return math.MaxUint32
	}
}

// byUrgency 依相對截止時間升序、優先級降序排序；相同時保持到達順序
func byUrgency(a, b *pending) int {
	if c := cmp.Compare(relDeadline(a.req.Params), relDeadline(b.req.Params)); c != 0 {
		return c
	}
	return cmp.Compare(b.req.Params.Priority, a.req.Params.Priority)
}

// controlLoop 是唯一驅動 carrier 的 goroutine
func (d *Daemon) controlLoop() {
	defer d.loopWg.Done()

	queue := list.New[*pending]()
	for {
		select {
		case <-d.stopCh:
			log.Info("Control loop stopped")
			return
		default:
		}

		start := time.Now()
		d.cycle(queue)

		if d.metrics != nil {
			d.metrics.ObserveCycle(time.Since(start))
		}
	}
}

// cycle 執行一次完整的 carrier 週期
func (d *Daemon) cycle(queue *list.List[*pending]) {
	// 1. 接受等待中的連線，每週期最多一輪槽位
	for i := 0; i <= d.carrier.Cap(); i++ {
		ok, err := d.carrier.GetConn()
		if err != nil && !errors.Is(err, channel.ErrCapacity) {
			log.Error("Failed to accept connection", "error", err)
			break
		}
		if !ok && err == nil {
			break
		}
	}

	// 2. 在 Timeout 內讀取所有客戶端
	if err := d.carrier.Update(); err != nil {
		log.Error("Carrier update failed", "error", err)
	}

	// 3. 收集新請求並排序
	for id := 0; id < d.carrier.Cap(); id++ {
		if !d.carrier.IsUpdated(id) {
			continue
		}
		req, ok := d.carrier.Recv(id)
		if !ok {
			continue
		}
		client, _ := d.carrier.Client(id)
		queue.AddSorted(&pending{client: client, req: req}, byUrgency)
	}

	// 4. 處理並回覆
	for p, ok := queue.Top(); ok; p, ok = queue.Top() {
		queue.RemoveTop()
		d.serve(p)
	}

	// 5. 狀態
	d.mu.Lock()
	d.counters.Cycles++
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.UpdateState(d.carrier.Size(), d.mgr.Stats()["reservations"], d.mgr.Capacity(), d.mgr.Used())
	}
	if d.status != nil && time.Since(d.lastStatus) >= d.config.StatusInterval {
		if err := d.dumpStatus(); err != nil {
			log.Error("Failed to dump status", "error", err)
		}
	}
}

// serve 處理一個請求並寫回覆
func (d *Daemon) serve(p *pending) {
	var reply types.Reply
	if p.req.Type == types.ReqDisconnect {
		released := d.releaseOwner(p.client)
		reply = types.Reply{Seq: p.req.Seq, Status: types.StatusOK, Value: float32(released)}
	} else {
		reply = d.mgr.Handle(p.client, p.req)
		d.record(p, reply)
	}

	d.mu.Lock()
	d.counters.Requests++
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.RecordRequest(p.req.Type.String(), reply.Status.String())
	}

	if err := d.carrier.Send(reply, p.client.Slot); err != nil {
		log.Warn("Failed to send reply, dropping client", "slot", p.client.Slot, "error", err)
		d.mu.Lock()
		d.counters.SendErrors++
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordSendError()
		}
		d.carrier.Release(p.client.Slot)
	}
}

// record 把請求結果寫入計數器與決策日誌
func (d *Daemon) record(p *pending, reply types.Reply) {
	ev := journal.Event{Slot: p.client.Slot, PID: p.client.PID, Rsv: reply.Rsv}

	switch p.req.Type {
	case types.ReqCreateRsv:
		ev.Params = p.req.Params
		if reply.Status == types.StatusGuaranteed {
			ev.Type = journal.EventCreate
			d.mu.Lock()
			d.counters.Admitted++
			d.mu.Unlock()
			log.Info("Reservation granted", "rsv", reply.Rsv, "slot", p.client.Slot,
				"period", p.req.Params.Period, "budget", p.req.Params.Budget)
		} else {
			ev.Type = journal.EventReject
			d.mu.Lock()
			d.counters.Rejected++
			d.mu.Unlock()
			log.Info("Reservation refused", "slot", p.client.Slot, "status", reply.Status, "detail", reply.Detail)
		}

	case types.ReqAttachThread:
		if reply.Status != types.StatusOK {
			return
		}
		ev.Type = journal.EventAttach
		ev.Thread = p.req.Pid

	case types.ReqDetachThread:
		if reply.Status != types.StatusOK {
			return
		}
		ev.Type = journal.EventDetach

	case types.ReqDestroyRsv:
		if reply.Status != types.StatusOK {
			return
		}
		ev.Type = journal.EventDestroy

	default:
		return
	}
	d.appendEvent(ev)
}

// releaseOwner 釋放客戶端持有的所有預留，每個預留記錄一筆 DESTROY
func (d *Daemon) releaseOwner(client types.Client) int {
	ids := d.mgr.ReleaseOwner(client.Slot)
	for _, id := range ids {
		d.appendEvent(journal.Event{Type: journal.EventDestroy, Slot: client.Slot, PID: client.PID, Rsv: id})
	}
	if len(ids) > 0 {
		d.mu.Lock()
		d.counters.Released += uint64(len(ids))
		d.mu.Unlock()
		log.Info("Reservations released", "slot", client.Slot, "count", len(ids))
	}
	return len(ids)
}

func (d *Daemon) appendEvent(ev journal.Event) {
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Append(ev); err != nil {
		log.Error("Failed to append journal event", "type", ev.Type, "error", err)
	}
}

// ============================================================================
// Carrier 回呼（在控制循環或 Stop 中執行）
// ============================================================================

func (d *Daemon) onAdmit(client types.Client) {
	d.mu.Lock()
	d.clients++
	d.mu.Unlock()
	d.appendEvent(journal.Event{Type: journal.EventConnect, Slot: client.Slot, PID: client.PID})
	if d.metrics != nil {
		d.metrics.RecordConnection(true)
	}
}

func (d *Daemon) onReject() {
	d.appendEvent(journal.Event{Type: journal.EventRejectConn, Slot: -1, PID: -1})
	d.mu.Lock()
	d.counters.Refused++
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.RecordConnection(false)
	}
}

func (d *Daemon) onRelease(client types.Client) {
	d.mu.Lock()
	d.clients--
	d.mu.Unlock()
	d.releaseOwner(client)
	d.appendEvent(journal.Event{Type: journal.EventDisconnect, Slot: client.Slot, PID: client.PID})
	if d.metrics != nil {
		d.metrics.RecordDisconnect()
	}
}
