// CoAP over TCP（RFC 8323）：流式分帧、CSM能力协商、信令消息、BERT与负载转义
package tcp

import (
	"errors"
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
)

// ErrFrameTooLarge 帧大于接收缓冲区（超过本端声明的Max-Message-Size）
var ErrFrameTooLarge = errors.New("tcp: frame exceeds receive buffer")

// Framer 从字节流中切分CoAP帧，使用固定容量的接收缓冲区
type Framer struct {
	enc   *message.TCPEncoder
	buf   []byte
	start int // 未消费数据起点
	end   int // 未消费数据终点
}

// NewFramer 创建分帧器
// 参数：capacity - 接收缓冲区容量（至少为最大帧长度）
func NewFramer(capacity int) *Framer {
	return &Framer{enc: message.NewTCPEncoder(), buf: make([]byte, capacity)}
}

// Buffered 尚未切分的字节数
func (f *Framer) Buffered() int { return f.end - f.start }

// Feed 追加收到的字节
// 返回：实际接收的字节数，缓冲区满时小于len(data)，调用方需先用Next取出帧再继续投入
func (f *Framer) Feed(data []byte) int {
	f.compact()
	n := copy(f.buf[f.end:], data)
	f.end += n
	return n
}

// Next 切分出下一个完整的消息
// 返回的消息引用内部缓冲区，在下一次Feed之前有效
// 返回：消息；数据不足时返回message.ErrNeedMoreData；帧格式错误或超长时返回错误（连接应当中止）
func (f *Framer) Next() (*message.Message, error) {
	pending := f.buf[f.start:f.end]
	size, err := f.enc.FrameSize(pending)
	if err != nil {
		return nil, err
	}
	if size > len(f.buf) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, len(f.buf))
	}
	if len(pending) < size {
		return nil, message.ErrNeedMoreData
	}
	msg, err := f.enc.Decode(pending[:size])
	if err != nil {
		return nil, err
	}
	f.start += size
	return msg, nil
}

// Reset 丢弃所有缓冲数据
func (f *Framer) Reset() {
	f.start, f.end = 0, 0
}

// compact 将未消费数据移到缓冲区起始处
func (f *Framer) compact() {
	if f.start == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.start:f.end])
	f.start, f.end = 0, n
}
