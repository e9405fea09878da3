package udp

import (
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/prng"
)

// Engine UDP可靠性引擎：传输参数、消息ID分配与去重缓存
type Engine struct {
	params api.TxParams
	ids    *MessageIDs
	cache  *ResponseCache
	src    *prng.Source
}

// NewEngine 创建UDP可靠性引擎
// 参数：p - 传输参数，cacheSize - 去重缓存字节数，src - 随机源
func NewEngine(p api.TxParams, cacheSize int, src *prng.Source) *Engine {
	return &Engine{
		params: p,
		ids:    NewMessageIDs(src),
		cache:  NewResponseCache(cacheSize, p.ExchangeLifetime()),
		src:    src,
	}
}

// Reliable UDP是不可靠传输
func (e *Engine) Reliable() bool { return false }

// Params 传输参数
func (e *Engine) Params() api.TxParams { return e.params }

// NextMessageID 分配消息ID
func (e *Engine) NextMessageID() uint16 { return e.ids.Next() }

// NewRetryState 为新的CON消息创建重传状态
func (e *Engine) NewRetryState() RetryState { return NewRetryState(e.params, e.src) }

// Cache 去重响应缓存
func (e *Engine) Cache() *ResponseCache { return e.cache }

// CheckDuplicate 检查收到的CON请求是否为重复请求
// 首次收到时记录并返回dup=false；重复时返回缓存的响应（可能为空，表示响应尚未生成）
func (e *Engine) CheckDuplicate(peer string, mid uint16, now time.Time) (cached []byte, dup bool) {
	if data, ok := e.cache.Lookup(peer, mid, now); ok {
		return data, true
	}
	e.cache.MarkSeen(peer, mid, now)
	return nil, false
}

// StoreResponse 缓存对CON请求的响应，供重复请求直接应答
func (e *Engine) StoreResponse(peer string, mid uint16, data []byte, now time.Time) error {
	return e.cache.Put(peer, mid, data, now)
}
