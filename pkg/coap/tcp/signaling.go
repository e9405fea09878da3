package tcp

import (
	"errors"
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
)

var (
	// ErrPeerReleased 对端发送了Release，连接应当关闭
	ErrPeerReleased = errors.New("tcp: connection released by peer")
	// ErrPeerAborted 对端发送了Abort，连接应当关闭
	ErrPeerAborted = errors.New("tcp: connection aborted by peer")
)

// HandleSignal 处理信令消息（7.xx）
// 参数：msg - 收到的信令消息，csm - 连接协商状态
// 返回：需要回复的消息（可为nil）；Release/Abort或CSM错误时返回错误，连接应当关闭
func HandleSignal(msg *message.Message, csm *CSMState) (*message.Message, error) {
	switch msg.Code {
	case message.CSM:
		return nil, csm.Handle(msg)
	case message.Ping:
		pong := &message.Message{Code: message.Pong, Token: msg.Token}
		if v, ok := msg.Options.Get(OptionCustody); ok {
			pong.Options.Add(OptionCustody, v)
		}
		return pong, nil
	case message.Pong:
		return nil, nil
	case message.Release:
		if alt, ok := msg.Options.Get(OptionAlternativeAddress); ok {
			return nil, fmt.Errorf("%w: alternative address %q", ErrPeerReleased, alt)
		}
		return nil, ErrPeerReleased
	case message.Abort:
		if len(msg.Payload) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrPeerAborted, EscapeString(msg.Payload))
		}
		return nil, ErrPeerAborted
	}
	// 未知信令码：RFC 8323要求忽略
	return nil, nil
}

// NewPing 构造Ping信令
func NewPing(tok token.Token) *message.Message {
	return &message.Message{Code: message.Ping, Token: tok}
}

// NewRelease 构造Release信令
func NewRelease() *message.Message {
	return &message.Message{Code: message.Release}
}

// NewAbort 构造Abort信令，诊断信息放在负载中
// 参数：diagnostic - 诊断文本，bad - 导致中止的CSM选项号（0表示无）
func NewAbort(diagnostic string, bad message.OptionID) *message.Message {
	msg := &message.Message{Code: message.Abort, Payload: []byte(diagnostic)}
	if bad != 0 {
		msg.Options.AddUint(OptionBadCSMOption, uint32(bad))
	}
	return msg
}
