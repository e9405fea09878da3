// 交换注册表：跟踪出站请求与响应的匹配、重传、分块续传与超时
package exchange

import (
	"errors"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/block"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
)

// ID 交换标识，单调递增且不复用，0表示无效
type ID uint64

// InvalidID 无效的交换标识
const InvalidID ID = 0

// State 交换生命周期状态
type State uint8

const (
	StateCreated          State = iota // 已登记，等待发送（NSTART或CSM门控）
	StateAwaitingResponse              // 已发送，等待响应
	StateDelivered                     // 已收到完整响应
	StateCanceled                      // 被取消
	StateTimedOut                      // 重传耗尽或等待超时
	StateFailed                        // 传输失败、收到RST或协议错误
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateDelivered:
		return "DELIVERED"
	case StateCanceled:
		return "CANCELED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal 是否为终止状态
func (s State) Terminal() bool { return s >= StateDelivered }

// Result 回调结果
type Result uint8

const (
	ResultDelivered      Result = iota // 终止：收到完整响应
	ResultCanceled                     // 终止：被取消
	ResultTimedOut                     // 终止：超时
	ResultFailed                       // 终止：失败
	ResultPartialContent               // 非终止：重组缓冲区已满，Payload为已收到的一段
)

func (r Result) String() string {
	switch r {
	case ResultDelivered:
		return "DELIVERED"
	case ResultCanceled:
		return "CANCELED"
	case ResultTimedOut:
		return "TIMED_OUT"
	case ResultFailed:
		return "FAILED"
	case ResultPartialContent:
		return "PARTIAL_CONTENT"
	}
	return "UNKNOWN"
}

// Terminal 是否为终止结果
func (r Result) Terminal() bool { return r != ResultPartialContent }

var (
	// ErrNoSlot 交换表已满
	ErrNoSlot = errors.New("exchange: no free exchange slot")
	// ErrClosed 注册表已关闭
	ErrClosed = errors.New("exchange: registry closed")
	// ErrCanceled 交换被取消
	ErrCanceled = errors.New("exchange: canceled")
	// ErrTimeout 等待响应超时
	ErrTimeout = errors.New("exchange: timed out")
	// ErrReset 对端以RST拒绝了消息
	ErrReset = errors.New("exchange: reset by peer")
	// ErrTokenExhausted 无法生成不冲突的令牌
	ErrTokenExhausted = errors.New("exchange: unable to allocate unique token")
	// ErrMessageTooLarge 编码后的消息超过链路允许的大小
	ErrMessageTooLarge = errors.New("exchange: message exceeds link limit")
)

// Request 出站请求描述
type Request struct {
	Code           message.Code
	Options        message.Options
	NonConfirmable bool                // UDP下以NON发送（默认CON）
	Writer         block.PayloadWriter // 请求负载，nil表示无负载
	ResponseBuffer []byte              // 响应重组缓冲区，nil时按配置分配
}

// Response 交换回调的参数
type Response struct {
	ID      ID
	Result  Result
	Msg     *message.Message // 最后一个响应消息（取消、超时时为nil），仅在回调期间有效
	Payload []byte           // 重组后的响应负载（部分内容时为本段），仅在回调期间有效
	Offset  int              // Payload在完整响应负载中的偏移
	Err     error
}

// ResponseHandler 交换结果回调，每个交换恰好收到一次终止结果
type ResponseHandler func(*Response)

// Encoder 消息编码器（UDP或TCP）
type Encoder interface {
	Size(msg *message.Message) (int, error)
	Encode(msg *message.Message, buf []byte) (int, error)
}

// Link 注册表依赖的链路能力，由上层上下文实现
type Link interface {
	// Transmit 发送一个已编码的数据报或帧
	Transmit(data []byte) error
	// Ready 是否允许发送新请求（TCP下需已收到对端CSM）
	Ready() bool
	// MaxMessageSize 单个消息的编码上限
	MaxMessageSize() int
	// BlockParams 当前块大小参数
	BlockParams() (szx uint8, bertUnits int)
}
