// UDP可靠性：消息ID分配、重传退避与重复请求的响应缓存
package udp

import (
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/prng"
)

// RetryState 一个CON消息的重传状态
// 第k次重传后的等待时间为 ack_timeout * (1+rand[0, ack_random_factor-1]) * 2^k，
// 随机因子在创建时抽取一次
type RetryState struct {
	timeout       time.Duration
	retries       uint
	maxRetransmit uint
}

// NewRetryState 创建重传状态
// 参数：p - 传输参数，src - 随机源（用于抖动）
func NewRetryState(p api.TxParams, src *prng.Source) RetryState {
	jitter := 1.0
	if p.AckRandomFactor > 1.0 {
		jitter += src.Float64() * (p.AckRandomFactor - 1.0)
	}
	return RetryState{
		timeout:       time.Duration(float64(p.AckTimeout) * jitter),
		maxRetransmit: p.MaxRetransmit,
	}
}

// Timeout 当前等待ACK的超时时间
func (r *RetryState) Timeout() time.Duration { return r.timeout }

// Retries 已执行的重传次数
func (r *RetryState) Retries() uint { return r.retries }

// Next 记录一次重传：次数加1、超时加倍
// 返回：false表示重传次数已用尽，不应再重传
func (r *RetryState) Next() bool {
	if r.AllRetriesSent() {
		return false
	}
	r.retries++
	r.timeout *= 2
	return true
}

// AllRetriesSent 是否已发出全部重传
func (r *RetryState) AllRetriesSent() bool {
	return r.retries >= r.maxRetransmit
}

// MessageIDs 消息ID分配器：随机起点，单调递增，16位回绕
type MessageIDs struct {
	next uint16
}

// NewMessageIDs 以随机起点创建分配器
func NewMessageIDs(src *prng.Source) *MessageIDs {
	return &MessageIDs{next: uint16(src.Uint32())}
}

// Next 分配下一个消息ID
func (m *MessageIDs) Next() uint16 {
	id := m.next
	m.next++
	return id
}
