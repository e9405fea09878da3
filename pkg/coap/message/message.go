package message

import (
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
)

// Message CoAP消息
// Type与MessageID仅对UDP有意义，TCP编解码时忽略
type Message struct {
	Type      Type        // 消息类型
	Code      Code        // 消息码
	MessageID uint16      // 消息ID
	Token     token.Token // 令牌
	Options   Options     // 有序选项集合
	Payload   []byte      // 负载视图（不持有底层缓冲区）
}

// NewEmpty 构造UDP空消息（用于ACK/RST）
// 参数：typ - 消息类型，mid - 消息ID
func NewEmpty(typ Type, mid uint16) *Message {
	return &Message{Type: typ, Code: Empty, MessageID: mid}
}

// IsPing UDP的CoAP ping：空CON消息
func (m *Message) IsPing() bool {
	return m.Type == Confirmable && m.Code == Empty
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%s path=%s payload=%dB",
		m.Type, m.Code, m.MessageID, m.Token.Hex(), m.Options.Path(), len(m.Payload))
}
