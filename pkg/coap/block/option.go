// 块传输（RFC 7959）与BERT（RFC 8323 §6）的选项编解码、发送端切块与接收端重组
package block

import (
	"errors"
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
)

const (
	// BERTSZX SZX为7表示BERT：块以1024字节为单位，仅用于可靠传输
	BERTSZX = 7
	// MaxSZX 非BERT下的最大SZX（1024字节）
	MaxSZX = 6
	// MaxNum 块号上限（20位）
	MaxNum = 1<<20 - 1
	// BERTUnit BERT块的单元大小
	BERTUnit = 1024
)

var (
	// ErrInvalidOption 块选项值非法
	ErrInvalidOption = errors.New("block: invalid block option")
	// ErrUnexpectedOffset 收到的块与期望偏移之间存在空洞
	ErrUnexpectedOffset = errors.New("block: unexpected block offset")
	// ErrNoMoreBlocks 发送端已到达负载末尾
	ErrNoMoreBlocks = errors.New("block: no more blocks")
	// ErrNoSlot 块传输上下文表已满
	ErrNoSlot = errors.New("block: no free transfer slot")
	// ErrBlockTooLarge 单个块大于整个重组缓冲区
	ErrBlockTooLarge = errors.New("block: block larger than reassembly buffer")
)

// PayloadWriter 负载生产回调：从offset处向buf写入负载
// 返回值小于len(buf)（包括0）表示负载结束，此后不会再被调用
type PayloadWriter func(offset int, buf []byte) (int, error)

// BytesWriter 将内存中的负载包装为PayloadWriter
func BytesWriter(payload []byte) PayloadWriter {
	return func(offset int, buf []byte) (int, error) {
		if offset >= len(payload) {
			return 0, nil
		}
		return copy(buf, payload[offset:]), nil
	}
}

// Option Block1/Block2选项值
type Option struct {
	Num  uint32 // 块号
	More bool   // 后续是否还有块
	SZX  uint8  // 块大小指数：块大小=2^(SZX+4)，7为BERT
}

// Size 块大小（BERT为单元大小1024）
func (o Option) Size() int {
	if o.SZX >= BERTSZX {
		return BERTUnit
	}
	return 1 << (o.SZX + 4)
}

// IsBERT 是否为BERT块
func (o Option) IsBERT() bool { return o.SZX == BERTSZX }

// Offset 该块在完整负载中的字节偏移
func (o Option) Offset() int {
	return int(o.Num) * o.Size()
}

// Value 编码为选项值（0-3字节无符号整数：NUM<<4 | M<<3 | SZX）
func (o Option) Value() []byte {
	v := o.Num<<4 | uint32(o.SZX&0x07)
	if o.More {
		v |= 0x08
	}
	return message.EncodeUint(v)
}

func (o Option) String() string {
	m := 0
	if o.More {
		m = 1
	}
	return fmt.Sprintf("%d/%d/%d", o.Num, m, o.Size())
}

// Parse 解码块选项值
func Parse(b []byte) (Option, error) {
	if len(b) > 3 {
		return Option{}, fmt.Errorf("%w: 选项值长度%d超过3字节", ErrInvalidOption, len(b))
	}
	v, _ := message.DecodeUint(b)
	return Option{
		Num:  v >> 4,
		More: v&0x08 != 0,
		SZX:  uint8(v & 0x07),
	}, nil
}

// Get 从选项集合中读取块选项
// 参数：opts - 选项集合，id - message.Block1或message.Block2
// 返回：块选项，bool值表示是否存在
func Get(opts message.Options, id message.OptionID) (Option, bool, error) {
	v, ok := opts.Get(id)
	if !ok {
		return Option{}, false, nil
	}
	o, err := Parse(v)
	return o, true, err
}

// Set 设置块选项（替换原有值）
func Set(opts *message.Options, id message.OptionID, o Option) {
	opts.Set(id, o.Value())
}

// SZXForSize 返回块大小不超过n的最大SZX（最小为0即16字节）
func SZXForSize(n int) uint8 {
	szx := uint8(0)
	for szx < MaxSZX && 1<<(szx+5) <= n {
		szx++
	}
	return szx
}

// blockBytes 一个块实际承载的字节数
// 参数：szx - 块大小指数，bertUnits - BERT块包含的单元数（szx为7时有效，最小1）
func blockBytes(szx uint8, bertUnits int) int {
	if szx >= BERTSZX {
		if bertUnits < 1 {
			bertUnits = 1
		}
		return BERTUnit * bertUnits
	}
	return 1 << (szx + 4)
}

// readBlock 以一字节前瞻从writer读取[offset, offset+size)的块
// scratch长度至少为size+1；返回块数据视图与是否还有后续数据
func readBlock(w PayloadWriter, offset, size int, scratch []byte) ([]byte, bool, error) {
	n, err := w(offset, scratch[:size+1])
	if err != nil {
		return nil, false, err
	}
	if n > size {
		return scratch[:size], true, nil
	}
	return scratch[:n], false, nil
}
