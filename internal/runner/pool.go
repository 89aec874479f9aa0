// ============================================================================
// rtsd Runner Pool - 週期任務執行器
// ============================================================================
//
// Package: internal/runner
// 文件: pool.go
// 功能: 管理多個 Runner goroutine 的生命週期並收集每次啟動的結果
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化結果 channel
//   2. Start(ctx, specs) - 每個 Spec 啟動一個 Runner
//   3. ReceiveResult() - 從 resultCh 讀取結果
//   4. Done() - 所有 Runner 結束時關閉
//   5. Stop() - 取消所有 Runner 並等待退出
//
// 並發控制:
//   - resultCh: 帶緩衝 channel；所有 Runner 退出後才關閉，不會向已關閉的
//     channel 發送
//   - WaitGroup: 追蹤所有 Runner
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉且所有結果已讀取
	ErrPoolClosed = errors.New("runner pool is closed")
	// ErrPoolStarted 表示 Pool 已經啟動
	ErrPoolStarted = errors.New("runner pool already started")
)

// Pool 代表 Runner 池
type Pool struct {
	runners  []*Runner
	resultCh chan Result
	done     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Runner Pool
//
// 參數：
//   - bufferSize: 結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		resultCh: make(chan Result, bufferSize),
		done:     make(chan struct{}),
	}
}

// Start 為每個 Spec 啟動一個 Runner
//
// 返回值：
//   - error: Pool 已啟動或 Spec 無效時返回錯誤
func (p *Pool) Start(ctx context.Context, specs []Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for _, s := range specs {
		if s.Task == nil || s.Body == nil {
			return ErrNoTask
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i, s := range specs {
		r := newRunner(i, s, p.resultCh)
		p.runners = append(p.runners, r)

		p.wg.Add(1)
		go func(r *Runner) {
			defer p.wg.Done()
			r.Run(ctx)
		}(r)
	}
	p.started = true

	go func() {
		p.wg.Wait()
		close(p.resultCh)
		close(p.done)
	}()
	return nil
}

// ReceiveResult 從結果通道接收一個結果
// 所有 Runner 結束且結果讀完後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Results 返回結果通道（唯讀）
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Done 在所有 Runner 結束時關閉
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stop 取消所有 Runner 並等待退出；未讀取的結果仍可透過 ReceiveResult 取得
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
}

// GetRunnerCount 返回 Runner 數量
func (p *Pool) GetRunnerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
