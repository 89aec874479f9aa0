package channel

// ============================================================================
// Wire codec
// Responsibility: encode/decode requests and replies as length-prefixed
// protobuf wire messages
//
// Frame layout:
//   varint(len) | message
//
// Request fields:              Reply fields:
//   1 seq       varint           1 seq     varint
//   2 type      varint           2 status  varint
//   3 pid       varint           3 rsv     varint
//   4 rsv       varint           4 value   fixed32 (float32 bits)
//   5 query     varint           5 detail  bytes
//   6 period    varint
//   7 budget    varint
//   8 deadline  varint
//   9 priority  varint
//
// Unknown fields are skipped so both ends can grow independently.
// ============================================================================

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ChuLiYu/rtsd/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single message.
const MaxFrameSize = 4096

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// int32 values are sign extended like protobuf int32.
func int32Wire(v int32) uint64 { return uint64(int64(v)) }
func wireInt32(v uint64) int32 { return int32(int64(v)) }

func encodeRequest(req types.Request) []byte {
	var b []byte
	b = appendVarintField(b, 1, req.Seq)
	b = appendVarintField(b, 2, int32Wire(int32(req.Type)))
	b = appendVarintField(b, 3, int32Wire(req.Pid))
	b = appendVarintField(b, 4, int32Wire(int32(req.Rsv)))
	b = appendVarintField(b, 5, int32Wire(int32(req.Query)))
	b = appendVarintField(b, 6, uint64(req.Params.Period))
	b = appendVarintField(b, 7, uint64(req.Params.Budget))
	b = appendVarintField(b, 8, uint64(req.Params.Deadline))
	b = appendVarintField(b, 9, uint64(req.Params.Priority))
	return b
}

func encodeReply(rep types.Reply) []byte {
	var b []byte
	b = appendVarintField(b, 1, rep.Seq)
	b = appendVarintField(b, 2, int32Wire(int32(rep.Status)))
	b = appendVarintField(b, 3, int32Wire(int32(rep.Rsv)))
	if rep.Value != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(rep.Value))
	}
	if rep.Detail != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, rep.Detail)
	}
	return b
}

// walk calls fn for every varint field and hands other wire types to
// other. Fields fn and other do not recognize are skipped.
func walk(b []byte, fn func(num protowire.Number, v uint64), other func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(m))
			}
			fn(num, v)
			b = b[m:]
			continue
		}

		if other != nil {
			if m, ok := other(num, typ, b); ok {
				if m < 0 {
					return fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(m))
				}
				b = b[m:]
				continue
			}
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func decodeRequest(b []byte) (types.Request, error) {
	var req types.Request
	err := walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			req.Seq = v
		case 2:
			req.Type = types.RequestType(wireInt32(v))
		case 3:
			req.Pid = wireInt32(v)
		case 4:
			req.Rsv = types.RsvID(wireInt32(v))
		case 5:
			req.Query = types.QueryType(wireInt32(v))
		case 6:
			req.Params.Period = uint32(v)
		case 7:
			req.Params.Budget = uint32(v)
		case 8:
			req.Params.Deadline = uint32(v)
		case 9:
			req.Params.Priority = uint32(v)
		}
	}, nil)
	return req, err
}

func decodeReply(b []byte) (types.Reply, error) {
	var rep types.Reply
	err := walk(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			rep.Seq = v
		case 2:
			rep.Status = types.Status(wireInt32(v))
		case 3:
			rep.Rsv = types.RsvID(wireInt32(v))
		}
	}, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == 4 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n >= 0 {
				rep.Value = math.Float32frombits(v)
			}
			return n, true
		case num == 5 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n >= 0 {
				rep.Detail = s
			}
			return n, true
		}
		return 0, false
	})
	return rep, err
}

// appendFrame prefixes msg with its varint length.
func appendFrame(b, msg []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(msg)))
	return append(b, msg...)
}

// nextFrame returns the first complete message in buf and the number of
// bytes it spans. used == 0 means buf holds only part of a frame.
func nextFrame(buf []byte) (msg []byte, used int, err error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		perr := protowire.ParseError(n)
		if errors.Is(perr, io.ErrUnexpectedEOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrBadFrame, perr)
	}
	if size > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if uint64(len(buf)-n) < size {
		return nil, 0, nil
	}
	end := n + int(size)
	return buf[n:end], end, nil
}

// readFrame reads one complete frame from a blocking stream.
func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
