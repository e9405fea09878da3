// 提供CoAP消息码、消息类型的定义与分类
package message

import (
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Code CoAP消息码（1字节：高3位为class，低5位为detail）
type Code uint8

// 方法码（class 0）
const (
	Empty  Code = 0x00 // 0.00 空消息
	GET    Code = 0x01 // 0.01
	POST   Code = 0x02 // 0.02
	PUT    Code = 0x03 // 0.03
	DELETE Code = 0x04 // 0.04
	FETCH  Code = 0x05 // 0.05
	PATCH  Code = 0x06 // 0.06
	IPATCH Code = 0x07 // 0.07
)

// 响应码（class 2/4/5）
const (
	Created  Code = 0x41 // 2.01
	Deleted  Code = 0x42 // 2.02
	Valid    Code = 0x43 // 2.03
	Changed  Code = 0x44 // 2.04
	Content  Code = 0x45 // 2.05
	Continue Code = 0x5F // 2.31 分块上传继续

	BadRequest               Code = 0x80 // 4.00
	Unauthorized             Code = 0x81 // 4.01
	BadOption                Code = 0x82 // 4.02
	Forbidden                Code = 0x83 // 4.03
	NotFound                 Code = 0x84 // 4.04
	MethodNotAllowed         Code = 0x85 // 4.05
	NotAcceptable            Code = 0x86 // 4.06
	RequestEntityIncomplete  Code = 0x88 // 4.08
	Conflict                 Code = 0x89 // 4.09
	PreconditionFailed       Code = 0x8C // 4.12
	RequestEntityTooLarge    Code = 0x8D // 4.13
	UnsupportedContentFormat Code = 0x8F // 4.15

	InternalServerError  Code = 0xA0 // 5.00
	NotImplemented       Code = 0xA1 // 5.01
	BadGateway           Code = 0xA2 // 5.02
	ServiceUnavailable   Code = 0xA3 // 5.03
	GatewayTimeout       Code = 0xA4 // 5.04
	ProxyingNotSupported Code = 0xA5 // 5.05
)

// 信令码（class 7，仅用于CoAP over TCP）
const (
	CSM     Code = 0xE1 // 7.01
	Ping    Code = 0xE2 // 7.02
	Pong    Code = 0xE3 // 7.03
	Release Code = 0xE4 // 7.04
	Abort   Code = 0xE5 // 7.05
)

// NewCode 由class与detail构造消息码
// 参数：class - 类别（0-7），detail - 细节（0-31）
func NewCode(class, detail uint8) Code {
	return Code((class&0x07)<<5 | detail&0x1F)
}

// Class 消息码类别（高3位）
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail 消息码细节（低5位）
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

// IsEmpty 是否为空消息（0.00）
func (c Code) IsEmpty() bool { return c == Empty }

// IsRequest 是否为请求方法码（0.01-0.31）
func (c Code) IsRequest() bool { return c.Class() == 0 && c.Detail() != 0 }

// IsResponse 是否为响应码（2.xx-5.xx）
func (c Code) IsResponse() bool { return c.Class() >= 2 && c.Class() <= 5 }

func (c Code) IsSuccess() bool     { return c.Class() == 2 }
func (c Code) IsClientError() bool { return c.Class() == 4 }
func (c Code) IsServerError() bool { return c.Class() == 5 }
func (c Code) IsError() bool       { return c.IsClientError() || c.IsServerError() }
func (c Code) IsSignaling() bool   { return c.Class() == 7 }

// String 返回RFC中定义的名称，未知码按"class.detail"渲染
func (c Code) String() string {
	s := codes.Code(c).String()
	if len(s) > 5 && s[:5] == "Code(" {
		return c.Dotted()
	}
	return s
}

// Dotted 以"c.dd"格式渲染消息码，如"2.05"
func (c Code) Dotted() string {
	d := c.Detail()
	return string([]byte{'0' + c.Class(), '.', '0' + d/10, '0' + d%10})
}

// Type CoAP消息类型（仅UDP传输有意义）
type Type uint8

const (
	Confirmable     Type = 0 // 确认型消息（CON）：需接收方回复ACK确认
	NonConfirmable  Type = 1 // 非确认型消息（NON）：无需回复
	Acknowledgement Type = 2 // 确认消息（ACK）：用于回复CON类型消息
	Reset           Type = 3 // 重置消息（RST）：告知发送方消息无法处理
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	}
	return "Type(?)"
}
