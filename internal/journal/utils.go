package journal

// ============================================================================
// 日誌工具函式
// 職責：讀取、統計與輸出日誌檔案，供重新開啟與 `rtsd journal` 使用
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// maxLine 單行事件的最大長度
const maxLine = 64 * 1024

// ReplayFile 從頭讀取日誌檔案，驗證每個事件的 checksum 並呼叫 handler
//
// 檔名以 .gz 結尾時透明解壓縮；檔案不存在視為空日誌
func ReplayFile(path string, handler EventHandler) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return &CorruptionError{Line: 0, Cause: err}
		}
		defer zr.Close()
		r = zr
	}
	return replay(r, handler)
}

func replay(r io.Reader, handler EventHandler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// lastSeq 掃描檔案取得最後一個有效事件的 seq
// 損壞的尾端（例如崩潰時寫到一半的行）被忽略
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := ReplayFile(path, func(e Event) error {
		seq = e.Seq
		return nil
	})
	var ce *CorruptionError
	if errors.As(err, &ce) || errors.Is(err, ErrChecksumMismatch) {
		return seq, nil
	}
	return seq, err
}

// Stats 日誌統計資訊
type Stats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	TimeRange   [2]int64          `json:"time_range"`
}

// GetStats 掃描日誌並收集統計資料
func GetStats(path string) (*Stats, error) {
	st := &Stats{EventTypes: make(map[EventType]int)}
	err := ReplayFile(path, func(e Event) error {
		if st.TotalEvents == 0 {
			st.FirstSeq = e.Seq
			st.TimeRange[0] = e.Timestamp
		}
		st.TotalEvents++
		st.EventTypes[e.Type]++
		st.LastSeq = e.Seq
		st.TimeRange[1] = e.Timestamp
		return nil
	})
	return st, err
}

// Dump 以人類可讀格式輸出日誌內容
//
//	[seq:1] 2024-01-01T00:00:00.000Z CONNECT slot=0 pid=4242
func Dump(path string, w io.Writer) error {
	return ReplayFile(path, func(e Event) error {
		_, err := fmt.Fprintln(w, FormatEvent(e))
		return err
	})
}

// FormatEvent 格式化單一事件
func FormatEvent(e Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[seq:%d] %s %s slot=%d pid=%d",
		e.Seq, time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z"), e.Type, e.Slot, e.PID)
	if e.Rsv != 0 {
		fmt.Fprintf(&sb, " rsv=%d", e.Rsv)
	}
	if e.Thread != 0 {
		fmt.Fprintf(&sb, " thread=%d", e.Thread)
	}
	if e.Type == EventCreate || e.Type == EventReject {
		fmt.Fprintf(&sb, " period=%dms budget=%dms deadline=%dms prio=%d",
			e.Params.Period, e.Params.Budget, e.Params.Deadline, e.Params.Priority)
	}
	return sb.String()
}
