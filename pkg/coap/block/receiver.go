package block

import "fmt"

// Status 重组状态
type Status int

const (
	// StatusNeedMore 需要后续块
	StatusNeedMore Status = iota
	// StatusComplete 已收到最后一块
	StatusComplete
	// StatusBufferFull 缓冲区无法容纳该块，调用方需Flush后以同一块重新Feed
	StatusBufferFull
)

func (s Status) String() string {
	switch s {
	case StatusNeedMore:
		return "NEED_MORE"
	case StatusComplete:
		return "COMPLETE"
	case StatusBufferFull:
		return "BLOCK_TRANSFER_NEEDED"
	}
	return "UNKNOWN"
}

// Receiver 入站块重组器，写入调用方提供的定长缓冲区，从不扩容
type Receiver struct {
	buf      []byte
	n        int  // buf中已有字节数
	base     int  // buf[0]对应的负载偏移
	expected int  // 下一个期望的负载偏移
	done     bool // 已收到more=false的块
}

// NewReceiver 创建重组器
// 参数：buf - 调用方持有的重组缓冲区
func NewReceiver(buf []byte) *Receiver {
	return &Receiver{buf: buf}
}

// Feed 投入一个块
// 偏移小于期望值的重复块被忽略；大于期望值返回ErrUnexpectedOffset
// 参数：opt - 块选项，payload - 块负载
// 返回：重组状态
func (r *Receiver) Feed(opt Option, payload []byte) (Status, error) {
	off := opt.Offset()
	if off < r.expected || (r.done && off == r.expected) {
		if r.done {
			return StatusComplete, nil
		}
		return StatusNeedMore, nil
	}
	if off > r.expected {
		return StatusNeedMore, fmt.Errorf("%w: 期望%d，收到%d", ErrUnexpectedOffset, r.expected, off)
	}
	if opt.More && (len(payload) == 0 || len(payload)%opt.Size() != 0) {
		return StatusNeedMore, fmt.Errorf("%w: 非末尾块长度%d与块大小%d不符", ErrInvalidOption, len(payload), opt.Size())
	}
	if len(payload) > len(r.buf) {
		return StatusNeedMore, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, len(payload), len(r.buf))
	}
	if r.n+len(payload) > len(r.buf) {
		return StatusBufferFull, nil
	}

	r.n += copy(r.buf[r.n:], payload)
	r.expected += len(payload)
	if !opt.More {
		r.done = true
		return StatusComplete, nil
	}
	return StatusNeedMore, nil
}

// Data 当前缓冲区中尚未Flush的数据（在下一次Feed前有效）
func (r *Receiver) Data() []byte { return r.buf[:r.n] }

// Base Data()首字节在完整负载中的偏移
func (r *Receiver) Base() int { return r.base }

// Flush 取出当前缓冲区中的数据并清空缓冲区，返回的视图在下一次Feed前有效
func (r *Receiver) Flush() []byte {
	data := r.buf[:r.n]
	r.base += r.n
	r.n = 0
	return data
}

// Expected 下一个期望的负载偏移
func (r *Receiver) Expected() int { return r.expected }

// Done 是否已完成重组
func (r *Receiver) Done() bool { return r.done }

// NextNum 以给定SZX请求下一块时应使用的块号
func (r *Receiver) NextNum(szx uint8) uint32 {
	return uint32(r.expected / Option{SZX: szx}.Size())
}
