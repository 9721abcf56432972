// =============================================================================
// 文件: internal/transport/arq_packet.go
// 描述: ARQ 可靠传输 - 帧编解码与校验和
//       线路格式: CBOR 整数键 map
//       {0:version 1:seq 2:ack 3:flags 4:data 5:checksum}
// =============================================================================
package transport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ErrFrameDropped 帧无法解析或校验失败，等同于未收到
var ErrFrameDropped = errors.New("帧已丢弃")

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error

	// CTAP2 规范编码: 键有序、最短整数编码，合法帧可逐字节往返
	frameEncMode, err = cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor 编码模式初始化失败: %v", err))
	}

	frameDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor 解码模式初始化失败: %v", err))
	}
}

// Frame ARQ 帧
type Frame struct {
	Seq      uint8              // 发送方序列号 (0|1)
	Ack      uint8              // 确认号 (0|1)
	Flags    Flag               // 帧角色
	Data     []byte             // 有效载荷，控制帧为空
	Checksum [ChecksumSize]byte // 载荷摘要
}

// wireFrame 线路结构，指针字段用于区分"缺失"与"零值"
type wireFrame struct {
	Version  *uint8  `cbor:"0,keyasint"`
	Seq      *uint8  `cbor:"1,keyasint"`
	Ack      *uint8  `cbor:"2,keyasint"`
	Flags    *uint8  `cbor:"3,keyasint"`
	Data     *[]byte `cbor:"4,keyasint"`
	Checksum *[]byte `cbor:"5,keyasint"`
}

// Checksum 计算载荷摘要 (BLAKE2b-128)
func Checksum(data []byte) [ChecksumSize]byte {
	var sum [ChecksumSize]byte
	h, err := blake2b.New(ChecksumSize, nil)
	if err != nil {
		// 输出长度合法且无密钥时不会出错
		panic(fmt.Sprintf("blake2b 初始化失败: %v", err))
	}
	h.Write(data)
	copy(sum[:], h.Sum(nil))
	return sum
}

// NewFrame 创建帧并计算校验和
func NewFrame(seq, ack uint8, flags Flag, data []byte) *Frame {
	f := &Frame{
		Seq:   seq & 1,
		Ack:   ack & 1,
		Flags: flags,
	}
	if len(data) > 0 {
		f.Data = make([]byte, len(data))
		copy(f.Data, data)
	}
	f.Checksum = Checksum(f.Data)
	return f
}

// Encode 编码帧
// corrupt 为 true 时只扰动校验和，载荷保持不变，接收方校验必然失败
func (f *Frame) Encode(corrupt bool) ([]byte, error) {
	if !f.Flags.Valid() {
		return nil, fmt.Errorf("无效标志: %s", f.Flags)
	}
	if len(f.Data) > ARQMaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Data), ARQMaxPayloadSize)
	}

	version := FrameVersion
	seq := f.Seq & 1
	ack := f.Ack & 1
	flags := uint8(f.Flags)
	data := f.Data
	if data == nil {
		data = []byte{}
	}
	sum := make([]byte, ChecksumSize)
	copy(sum, f.Checksum[:])
	if corrupt {
		sum[0] ^= 0xFF
	}

	return frameEncMode.Marshal(&wireFrame{
		Version:  &version,
		Seq:      &seq,
		Ack:      &ack,
		Flags:    &flags,
		Data:     &data,
		Checksum: &sum,
	})
}

// DecodeFrame 解码帧
// 任何失败都包装 ErrFrameDropped，调用方按"未收到"处理
func DecodeFrame(b []byte) (*Frame, error) {
	var w wireFrame
	if err := frameDecMode.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: 解析失败: %v", ErrFrameDropped, err)
	}

	if w.Version == nil || w.Seq == nil || w.Ack == nil ||
		w.Flags == nil || w.Data == nil || w.Checksum == nil {
		return nil, fmt.Errorf("%w: 字段缺失", ErrFrameDropped)
	}
	if *w.Version != FrameVersion {
		return nil, fmt.Errorf("%w: 不支持的版本 %d", ErrFrameDropped, *w.Version)
	}
	if *w.Seq > 1 || *w.Ack > 1 {
		return nil, fmt.Errorf("%w: 序列号越界 seq=%d ack=%d", ErrFrameDropped, *w.Seq, *w.Ack)
	}
	flags := Flag(*w.Flags)
	if !flags.Valid() {
		return nil, fmt.Errorf("%w: 未知标志 %d", ErrFrameDropped, *w.Flags)
	}
	if len(*w.Checksum) != ChecksumSize {
		return nil, fmt.Errorf("%w: 校验和长度 %d", ErrFrameDropped, len(*w.Checksum))
	}

	f := &Frame{
		Seq:   *w.Seq,
		Ack:   *w.Ack,
		Flags: flags,
	}
	if len(*w.Data) > 0 {
		f.Data = *w.Data
	}
	copy(f.Checksum[:], *w.Checksum)

	expected := Checksum(f.Data)
	if !bytes.Equal(expected[:], f.Checksum[:]) {
		return nil, fmt.Errorf("%w: 校验和不匹配", ErrFrameDropped)
	}

	return f, nil
}

// IsControl 是否是控制帧
func (f *Frame) IsControl() bool {
	return f.Flags != FlagDATA
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s(seq=%d ack=%d len=%d)", f.Flags, f.Seq, f.Ack, len(f.Data))
}
