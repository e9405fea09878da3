package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
)

// TCPEncoder 处理CoAP over TCP（RFC 8323 §3.2）的帧编解码
// 帧格式：Len(4) | TKL(4)，扩展长度（0/1/2/4字节），Code，令牌，选项，负载
// TCP帧没有消息类型与消息ID字段
type TCPEncoder struct{}

// NewTCPEncoder 创建TCP帧编解码器
func NewTCPEncoder() *TCPEncoder {
	return &TCPEncoder{}
}

// lenExtSize Len字段所需的扩展字节数
func lenExtSize(length int) int {
	switch {
	case length < extByteOffset:
		return 0
	case length < extWordOffset:
		return 1
	case length < extDWordOffset:
		return 2
	}
	return 4
}

// lenNibbleExt Len半字节对应的扩展字节数（13/14/15分别为1/2/4字节）
func lenNibbleExt(nibble byte) int {
	switch nibble {
	case 13:
		return 1
	case 14:
		return 2
	case 15:
		return 4
	}
	return 0
}

// Size 计算帧编码后的精确字节数
func (e *TCPEncoder) Size(msg *Message) (int, error) {
	if msg == nil {
		return 0, fmt.Errorf("%w: 消息不能为空", ErrInvalidMessage)
	}
	if err := validateOptions(msg.Options); err != nil {
		return 0, err
	}
	body := optionsSize(msg.Options) + payloadSize(msg.Payload)
	return 1 + lenExtSize(body) + 1 + msg.Token.Len() + body, nil
}

// Encode 将消息编码为一个TCP帧
// 参数：msg - 待编码的消息（Type与MessageID被忽略），buf - 输出缓冲区
// 返回：写入的字节数，缓冲区不足返回ErrTooSmall
func (e *TCPEncoder) Encode(msg *Message, buf []byte) (int, error) {
	size, err := e.Size(msg)
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, fmt.Errorf("%w: 需要%d字节，仅有%d字节", ErrTooSmall, size, len(buf))
	}

	body := optionsSize(msg.Options) + payloadSize(msg.Payload)
	n := 1
	var nibble byte
	switch lenExtSize(body) {
	case 0:
		nibble = byte(body)
	case 1:
		nibble = 13
		buf[n] = byte(body - extByteOffset)
		n++
	case 2:
		nibble = 14
		binary.BigEndian.PutUint16(buf[n:], uint16(body-extWordOffset))
		n += 2
	default:
		nibble = 15
		binary.BigEndian.PutUint32(buf[n:], uint32(body-extDWordOffset))
		n += 4
	}
	buf[0] = nibble<<4 | byte(msg.Token.Len())
	buf[n] = byte(msg.Code)
	n++
	n += copy(buf[n:], msg.Token.Bytes())
	n += writeOptionsAndPayload(buf[n:], msg.Options, msg.Payload)
	return n, nil
}

// Marshal 分配恰好大小的缓冲区并编码
func (e *TCPEncoder) Marshal(msg *Message) ([]byte, error) {
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

// FrameSize 根据帧头前缀计算完整帧长度
// 参数：prefix - 流中已收到的字节（从帧起始处开始）
// 返回：帧总长度；头部不完整时返回ErrNeedMoreData，TKL非法时返回*DecodeError
func (e *TCPEncoder) FrameSize(prefix []byte) (int, error) {
	if len(prefix) < 1 {
		return 0, ErrNeedMoreData
	}
	tkl := int(prefix[0] & 0x0F)
	if tkl > token.MaxLength {
		return 0, malformed(0, "令牌长度非法: %d", tkl)
	}

	nibble := prefix[0] >> 4
	ext := lenNibbleExt(nibble)
	if len(prefix) < 1+ext {
		return 0, ErrNeedMoreData
	}
	length := int(nibble)
	switch ext {
	case 1:
		length = int(prefix[1]) + extByteOffset
	case 2:
		length = int(binary.BigEndian.Uint16(prefix[1:3])) + extWordOffset
	case 4:
		length = int(binary.BigEndian.Uint32(prefix[1:5])) + extDWordOffset
	}
	return 1 + ext + 1 + tkl + length, nil
}

// Decode 将恰好一个完整的TCP帧解码为消息
// 参数：data - 完整帧（长度需与FrameSize一致）
// 返回：解码后的消息（选项与负载引用data），格式错误时返回*DecodeError
func (e *TCPEncoder) Decode(data []byte) (*Message, error) {
	size, err := e.FrameSize(data)
	if errors.Is(err, ErrNeedMoreData) {
		return nil, malformed(len(data), "帧头部被截断")
	}
	if err != nil {
		return nil, err
	}
	if size != len(data) {
		return nil, malformed(0, "帧长度不一致: 声明%d字节，实际%d字节", size, len(data))
	}

	tkl := int(data[0] & 0x0F)
	hdr := 1 + lenNibbleExt(data[0]>>4)
	msg := &Message{Code: Code(data[hdr])}
	start := hdr + 1
	msg.Token, _ = token.New(data[start : start+tkl])
	opts, payload, err := decodeOptions(data[start+tkl:], start+tkl)
	if err != nil {
		return nil, err
	}
	msg.Options = opts
	msg.Payload = payload
	return msg, nil
}
