package journal

// ============================================================================
// 決策日誌核心實作
// 職責：
// 1. 追加 daemon 決策事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能，逐筆驗證校驗和
// 3. 重新開啟時延續事件序號
// 4. 超過大小上限時旋轉並以 gzip 壓縮舊檔
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Options 日誌設定
type Options struct {
	Path          string        // 日誌檔案路徑
	SyncOnAppend  bool          // 是否每次追加都強制寫入並同步
	BufferSize    int           // 批次緩衝事件數，<= 0 時為 64
	FlushInterval time.Duration // 最長緩衝時間，<= 0 時為 1s
	MaxBytes      int64         // 旋轉門檻，0 表示不旋轉
}

// Journal 表示一個決策日誌實例
type Journal struct {
	mu      sync.Mutex
	opts    Options
	file    *os.File
	encoder *json.Encoder
	size    int64  // 當前檔案大小
	seq     uint64 // 當前事件序號
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

// countingWriter 記錄寫入的位元組數
type countingWriter struct {
	w io.Writer
	n *int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

/*
Open 建立或開啟一個日誌實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	seq, err := lastSeq(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("journal: scan %s: %w", opts.Path, err)
	}

	j := &Journal{
		opts:          opts,
		seq:           seq,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	file, err := os.OpenFile(j.opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", j.opts.Path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: stat %s: %w", j.opts.Path, err)
	}
	j.file = file
	j.size = stat.Size()
	j.encoder = json.NewEncoder(countingWriter{w: file, n: &j.size})
	return nil
}

// Append 追加一個事件
//
// 行為：
//   - 自動遞增 seq，填入時間戳與 checksum
//   - 先放入緩衝，緩衝滿、超時或 SyncOnAppend 時寫入並同步
//
// 回傳：
//
//	事件序號，錯誤（如果寫入失敗）
func (j *Journal) Append(e Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = time.Now().UnixMilli()
	e.Checksum = CalculateChecksum(e)
	j.buffer = append(j.buffer, e)

	needFlush := j.opts.SyncOnAppend ||
		len(j.buffer) >= j.opts.BufferSize ||
		time.Since(j.lastFlushTime) > j.opts.FlushInterval
	if needFlush {
		if err := j.flushLocked(); err != nil {
			return e.Seq, err
		}
	}
	return e.Seq, nil
}

// Flush 將緩衝的事件寫入並同步到磁碟
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// flushLocked 內部方法，假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		j.lastFlushTime = time.Now()
		return nil
	}
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return fmt.Errorf("journal: write seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}

	if j.opts.MaxBytes > 0 && j.size >= j.opts.MaxBytes {
		return j.rotateLocked()
	}
	return nil
}

// Replay 重放所有已寫入的事件（包含緩衝中的事件）
func (j *Journal) Replay(handler EventHandler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return ReplayFile(j.opts.Path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 <path>.<timestamp>.gz（gzip 壓縮），新檔從空白開始，序號延續
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	return j.rotateLocked()
}

func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close for rotate: %w", err)
	}

	backupPath := j.opts.Path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.opts.Path, backupPath); err != nil {
		return fmt.Errorf("journal: rotate: %w", err)
	}
	if err := j.openFile(); err != nil {
		return err
	}

	if err := compressFile(backupPath, backupPath+".gz"); err != nil {
		return fmt.Errorf("journal: compress %s: %w", backupPath, err)
	}
	return os.Remove(backupPath)
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string { return j.opts.Path }

// Close 寫入剩餘事件並關閉檔案；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// compressFile 以 gzip 壓縮 srcPath 到 dstPath
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
