package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
//   - 將事件的關鍵欄位 (Seq, Type, Slot, PID, Rsv, Thread, Params) 串接
//   - 使用 CRC32-IEEE 多項式計算
//
// 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(e Event) uint32 {
	b := make([]byte, 0, 96)
	b = strconv.AppendUint(b, e.Seq, 10)
	b = append(b, '|')
	b = append(b, string(e.Type)...)
	for _, v := range []int64{
		int64(e.Slot), int64(e.PID), int64(e.Rsv), int64(e.Thread),
		int64(e.Params.Period), int64(e.Params.Budget), int64(e.Params.Deadline), int64(e.Params.Priority),
	} {
		b = append(b, '|')
		b = strconv.AppendInt(b, v, 10)
	}
	return crc32.ChecksumIEEE(b)
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) error {
	expected := CalculateChecksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
