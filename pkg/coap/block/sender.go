package block

import "fmt"

// Sender 出站负载切块器
// 每次多向writer请求一个字节作为前瞻，从而在负载长度恰好是块大小整数倍时
// 也能在最后一个满块上标记more=false，不会产生空的尾块
type Sender struct {
	writer    PayloadWriter
	offset    int    // 下一块在负载中的起始偏移
	lookahead byte   // 前瞻字节（位于offset处）
	hasAhead  bool   // 是否持有前瞻字节
	eof       bool   // writer已报告结束
	scratch   []byte // 块缓冲区（最大块+1字节）
}

// NewSender 创建切块器
// 参数：w - 负载生产回调，maxBlock - 可能使用的最大块字节数
func NewSender(w PayloadWriter, maxBlock int) *Sender {
	return &Sender{writer: w, scratch: make([]byte, maxBlock+1)}
}

// Offset 下一块的起始偏移
func (s *Sender) Offset() int { return s.offset }

// Done 是否已产出最后一块
func (s *Sender) Done() bool { return s.eof }

// Next 产出下一个块
// 块号由当前偏移与块大小推导，因此对端要求更小的SZX时直接以新SZX调用即可
// 参数：szx - 块大小指数，bertUnits - BERT时每块的单元数
// 返回：块数据（在下一次调用前有效）、对应的块选项
func (s *Sender) Next(szx uint8, bertUnits int) ([]byte, Option, error) {
	if s.eof {
		return nil, Option{}, ErrNoMoreBlocks
	}
	size := blockBytes(szx, bertUnits)
	unit := Option{SZX: szx}.Size()
	if s.offset%unit != 0 {
		return nil, Option{}, fmt.Errorf("%w: 偏移%d不是块大小%d的整数倍", ErrInvalidOption, s.offset, unit)
	}
	if size+1 > len(s.scratch) {
		s.scratch = make([]byte, size+1)
	}
	num := uint32(s.offset / unit)
	if num > MaxNum {
		return nil, Option{}, fmt.Errorf("%w: 块号%d超过上限", ErrInvalidOption, num)
	}

	var chunk []byte
	var more bool
	if !s.hasAhead {
		c, m, err := readBlock(s.writer, s.offset, size, s.scratch)
		if err != nil {
			return nil, Option{}, err
		}
		chunk, more = c, m
	} else {
		// 前瞻字节放在块首，向writer请求剩余size字节
		s.scratch[0] = s.lookahead
		n, err := s.writer(s.offset+1, s.scratch[1:size+1])
		if err != nil {
			return nil, Option{}, err
		}
		if n == size {
			chunk, more = s.scratch[:size], true
		} else {
			chunk, more = s.scratch[:1+n], false
		}
	}

	if more {
		s.lookahead = s.scratch[size]
		s.hasAhead = true
	} else {
		s.hasAhead = false
		s.eof = true
	}
	s.offset += len(chunk)
	return chunk, Option{Num: num, More: more, SZX: szx}, nil
}
