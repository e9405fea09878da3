// 提供CoAP消息的编码与解码功能（UDP：RFC 7252，TCP：RFC 8323）
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
)

// CoAP消息格式相关常量
const (
	// Version1 CoAP协议版本（仅支持v1）
	Version1 = 1
	// PayloadMarker 负载分隔符：用于区分选项与负载的边界
	PayloadMarker = 0xFF
	// HeaderSize UDP固定头部长度
	HeaderSize = 4

	// 选项头部中delta/长度扩展的阈值
	extByteOffset  = 13
	extWordOffset  = 269
	extDWordOffset = 65805
	// maxOptionLength 选项值长度的编码上限（14 + 2字节扩展）
	maxOptionLength = 0xFFFF + extWordOffset
)

var (
	// ErrTooSmall 输出缓冲区不足以容纳编码后的消息
	ErrTooSmall = errors.New("coap: buffer too small")
	// ErrMalformed 输入字节流不是合法的CoAP消息
	ErrMalformed = errors.New("coap: malformed message")
	// ErrNeedMoreData 流式输入中当前数据不足一个完整帧
	ErrNeedMoreData = errors.New("coap: need more data")
	// ErrInvalidMessage 待编码的消息结构不合法
	ErrInvalidMessage = errors.New("coap: invalid message")
)

// DecodeError 解码错误，记录出错位置与原因，可通过errors.Is匹配ErrMalformed
type DecodeError struct {
	Offset int    // 出错的字节偏移
	Reason string // 出错原因
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("coap: 消息格式错误(偏移%d): %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

func malformed(offset int, format string, args ...interface{}) error {
	return &DecodeError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Encoder 处理UDP上CoAP消息的编码（结构体→字节流）与解码（字节流→结构体）
type Encoder struct{}

// NewEncoder 创建一个新的CoAP编解码器实例
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Size 计算消息编码后的精确字节数
// 参数：msg - 待编码的CoAP消息
// 返回：编码长度，消息不合法时返回错误
func (e *Encoder) Size(msg *Message) (int, error) {
	if err := e.validateMessage(msg); err != nil {
		return 0, err
	}
	return HeaderSize + msg.Token.Len() + optionsSize(msg.Options) + payloadSize(msg.Payload), nil
}

// Encode 将CoAP消息编码到调用方提供的缓冲区
// 参数：msg - 待编码的CoAP消息，buf - 输出缓冲区
// 返回：写入的字节数；缓冲区不足返回ErrTooSmall，消息不合法返回ErrInvalidMessage
func (e *Encoder) Encode(msg *Message, buf []byte) (int, error) {
	size, err := e.Size(msg)
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, fmt.Errorf("%w: 需要%d字节，仅有%d字节", ErrTooSmall, size, len(buf))
	}

	// 1. 头部：Ver(2) | Type(2) | TKL(4)，Code，Message ID
	buf[0] = Version1<<6 | byte(msg.Type&0x03)<<4 | byte(msg.Token.Len())
	buf[1] = byte(msg.Code)
	binary.BigEndian.PutUint16(buf[2:4], msg.MessageID)
	n := HeaderSize

	// 2. 令牌
	n += copy(buf[n:], msg.Token.Bytes())

	// 3. 选项与负载
	n += writeOptionsAndPayload(buf[n:], msg.Options, msg.Payload)
	return n, nil
}

// Marshal 分配恰好大小的缓冲区并编码
func (e *Encoder) Marshal(msg *Message) ([]byte, error) {
	size, err := e.Size(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := e.Encode(msg, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode 将一个UDP数据报解码为CoAP消息
// 返回的消息中选项值与负载均引用data，调用方需在data失效前完成处理或自行复制
// 参数：data - 完整数据报
// 返回：解码后的消息，格式错误时返回*DecodeError
func (e *Encoder) Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, malformed(0, "消息过短: 仅%d字节（至少需4字节头部）", len(data))
	}
	if v := data[0] >> 6; v != Version1 {
		return nil, malformed(0, "不支持的协议版本: %d", v)
	}
	tkl := int(data[0] & 0x0F)
	if tkl > token.MaxLength {
		return nil, malformed(0, "令牌长度非法: %d", tkl)
	}

	msg := &Message{
		Type:      Type(data[0]>>4&0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	// 空消息只能是4字节头部
	if msg.Code == Empty && (tkl != 0 || len(data) != HeaderSize) {
		return nil, malformed(HeaderSize, "空消息不能携带令牌、选项或负载")
	}
	if len(data) < HeaderSize+tkl {
		return nil, malformed(HeaderSize, "令牌被截断")
	}
	msg.Token, _ = token.New(data[HeaderSize : HeaderSize+tkl])

	opts, payload, err := decodeOptions(data[HeaderSize+tkl:], HeaderSize+tkl)
	if err != nil {
		return nil, err
	}
	msg.Options = opts
	msg.Payload = payload
	return msg, nil
}

// validateMessage 验证消息结构合法性
func (e *Encoder) validateMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: 消息不能为空", ErrInvalidMessage)
	}
	if msg.Type > Reset {
		return fmt.Errorf("%w: 消息类型%d", ErrInvalidMessage, msg.Type)
	}
	if msg.Code == Empty && (msg.Token.Len() != 0 || len(msg.Options) != 0 || len(msg.Payload) != 0) {
		return fmt.Errorf("%w: 空消息不能携带令牌、选项或负载", ErrInvalidMessage)
	}
	return validateOptions(msg.Options)
}

func validateOptions(opts Options) error {
	if !opts.Sorted() {
		return fmt.Errorf("%w: 选项未按选项号排序", ErrInvalidMessage)
	}
	for _, opt := range opts {
		if len(opt.Value) > maxOptionLength {
			return fmt.Errorf("%w: 选项%d的值过长(%d字节)", ErrInvalidMessage, opt.ID, len(opt.Value))
		}
	}
	return nil
}

// extSize 选项头部中delta或长度所需的扩展字节数
func extSize(v int) int {
	switch {
	case v < extByteOffset:
		return 0
	case v < extWordOffset:
		return 1
	}
	return 2
}

func optionsSize(opts Options) int {
	size := 0
	prev := 0
	for _, opt := range opts {
		delta := int(opt.ID) - prev
		size += 1 + extSize(delta) + extSize(len(opt.Value)) + len(opt.Value)
		prev = int(opt.ID)
	}
	return size
}

func payloadSize(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	return 1 + len(payload)
}

// putNibble 写入delta或长度的扩展字节，返回头部中使用的4位值与写入的字节数
func putNibble(buf []byte, v int) (byte, int) {
	switch {
	case v < extByteOffset:
		return byte(v), 0
	case v < extWordOffset:
		buf[0] = byte(v - extByteOffset)
		return 13, 1
	}
	binary.BigEndian.PutUint16(buf, uint16(v-extWordOffset))
	return 14, 2
}

// writeOptionsAndPayload 按delta编码写入选项，再写入负载分隔符与负载
// 调用方已通过Size保证缓冲区足够
func writeOptionsAndPayload(buf []byte, opts Options, payload []byte) int {
	n := 0
	prev := 0
	for _, opt := range opts {
		hdr := n
		n++
		dn, k := putNibble(buf[n:], int(opt.ID)-prev)
		n += k
		ln, k := putNibble(buf[n:], len(opt.Value))
		n += k
		buf[hdr] = dn<<4 | ln
		n += copy(buf[n:], opt.Value)
		prev = int(opt.ID)
	}
	if len(payload) > 0 {
		buf[n] = PayloadMarker
		n++
		n += copy(buf[n:], payload)
	}
	return n
}

// readExtended 读取扩展的delta或长度（nibble为13/14时），15为保留值
func readExtended(data []byte, nibble byte) (int, int, bool) {
	switch nibble {
	case 13:
		if len(data) < 1 {
			return 0, 0, false
		}
		return int(data[0]) + extByteOffset, 1, true
	case 14:
		if len(data) < 2 {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint16(data)) + extWordOffset, 2, true
	case 15:
		return 0, 0, false
	}
	return int(nibble), 0, true
}

// decodeOptions 解码选项与负载
// 参数：data - 令牌之后的全部字节，base - data在原始输入中的偏移（用于错误定位）
// 返回：选项集合、负载视图
func decodeOptions(data []byte, base int) (Options, []byte, error) {
	var opts Options
	prev := 0
	i := 0
	for i < len(data) {
		hdr := data[i]
		if hdr == PayloadMarker {
			if i+1 == len(data) {
				return nil, nil, malformed(base+i, "负载分隔符后没有数据")
			}
			return opts, data[i+1:], nil
		}
		i++

		delta, k, ok := readExtended(data[i:], hdr>>4)
		if !ok {
			return nil, nil, malformed(base+i, "选项delta非法或被截断")
		}
		i += k
		length, k, ok := readExtended(data[i:], hdr&0x0F)
		if !ok {
			return nil, nil, malformed(base+i, "选项长度非法或被截断")
		}
		i += k

		num := prev + delta
		if num > MaxOptionNumber {
			return nil, nil, malformed(base+i, "选项号%d超出范围（选项乱序）", num)
		}
		if len(data)-i < length {
			return nil, nil, malformed(base+i, "选项值越界: 需要%d字节，剩余%d字节", length, len(data)-i)
		}
		opts = append(opts, Option{ID: OptionID(num), Value: data[i : i+length : i+length]})
		i += length
		prev = num
	}
	return opts, nil, nil
}
