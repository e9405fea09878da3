// 公共API类型：外部协作者接口（套接字、调度器）与引擎配置
package api

import (
	"errors"
	"fmt"
	"time"
)

// 套接字状态
type SocketState uint8

const (
	SocketStateClosed    SocketState = 0
	SocketStateBound     SocketState = 1
	SocketStateConnected SocketState = 2
)

// 套接字选项
type SocketOption uint8

const (
	SocketOptionMTU         SocketOption = 1 // 链路MTU（字节）
	SocketOptionInnerMTU    SocketOption = 2 // 扣除IP/UDP头后的可用负载大小
	SocketOptionState       SocketOption = 3 // 当前套接字状态（SocketState）
	SocketOptionRecvTimeout SocketOption = 4 // 接收超时，引擎只使用0（非阻塞）
	SocketOptionBytesSent   SocketOption = 5 // 已发送字节数
	SocketOptionBytesRecvd  SocketOption = 6 // 已接收字节数
)

// ErrWouldBlock 非阻塞接收时没有可读数据
var ErrWouldBlock = errors.New("socket: operation would block")

// Socket 外部套接字协作者（原始UDP/TCP传输）
// 引擎自身从不阻塞接收，调用方需自行多路复用（如poll）后调用引擎的数据包处理入口
type Socket interface {
	// Connect 连接到远端（阻塞操作，由调用方在引擎之外完成）
	Connect(host, port string) error
	// Send 发送一个完整的数据报（UDP）或一段字节流（TCP）
	Send(data []byte) error
	// Receive 非阻塞接收，无数据时返回ErrWouldBlock
	Receive(buf []byte) (int, error)
	// Close 关闭套接字
	Close() error
	// GetOption 读取套接字选项（MTU、状态等）
	GetOption(opt SocketOption) (int, error)
	// SetOption 设置套接字选项
	SetOption(opt SocketOption, value int) error
}

// JobHandle 调度器任务句柄，零值表示无效句柄
type JobHandle uint64

// Scheduler 外部调度器协作者：一次性延迟任务、取消任务、执行到期任务
// 引擎只持有任务句柄，不实现定时器结构
type Scheduler interface {
	// Schedule 在delay之后执行job，返回任务句柄
	Schedule(delay time.Duration, job func(now time.Time)) JobHandle
	// Cancel 取消任务，对已执行或无效的句柄为空操作
	Cancel(h JobHandle)
	// Now 返回调度器使用的当前时间（单调时钟）
	Now() time.Time
}

// TxParams UDP传输参数（RFC 7252 §4.8）
type TxParams struct {
	AckTimeout      time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`             // ACK_TIMEOUT
	AckRandomFactor float64       `mapstructure:"ack_random_factor" yaml:"ack_random_factor"` // ACK_RANDOM_FACTOR
	MaxRetransmit   uint          `mapstructure:"max_retransmit" yaml:"max_retransmit"`       // MAX_RETRANSMIT
	NStart          uint          `mapstructure:"nstart" yaml:"nstart"`                       // NSTART
}

const (
	// MaxLatency RFC 7252 MAX_LATENCY
	MaxLatency = 100 * time.Second
	// MaxRetransmitLimit 允许配置的最大重传次数
	MaxRetransmitLimit = 10
)

// DefaultTxParams 返回RFC 7252默认传输参数
func DefaultTxParams() TxParams {
	return TxParams{
		AckTimeout:      2 * time.Second,
		AckRandomFactor: 1.5,
		MaxRetransmit:   4,
		NStart:          1,
	}
}

// Validate 校验传输参数
func (p TxParams) Validate() error {
	if p.AckTimeout < time.Second {
		return fmt.Errorf("ack_timeout必须不小于1s，当前为%s", p.AckTimeout)
	}
	if p.AckRandomFactor < 1.0 {
		return fmt.Errorf("ack_random_factor必须不小于1.0，当前为%g", p.AckRandomFactor)
	}
	if p.MaxRetransmit > MaxRetransmitLimit {
		return fmt.Errorf("max_retransmit不能超过%d，当前为%d", MaxRetransmitLimit, p.MaxRetransmit)
	}
	if p.NStart < 1 {
		return fmt.Errorf("nstart必须不小于1")
	}
	return nil
}

// MaxTransmitSpan MAX_TRANSMIT_SPAN = ACK_TIMEOUT * (2^MAX_RETRANSMIT - 1) * ACK_RANDOM_FACTOR
func (p TxParams) MaxTransmitSpan() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64((uint64(1)<<p.MaxRetransmit)-1) * p.AckRandomFactor)
}

// MaxTransmitWait MAX_TRANSMIT_WAIT = ACK_TIMEOUT * (2^(MAX_RETRANSMIT+1) - 1) * ACK_RANDOM_FACTOR
func (p TxParams) MaxTransmitWait() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64((uint64(1)<<(p.MaxRetransmit+1))-1) * p.AckRandomFactor)
}

// ExchangeLifetime EXCHANGE_LIFETIME = MAX_TRANSMIT_SPAN + 2*MAX_LATENCY + PROCESSING_DELAY
// PROCESSING_DELAY取ACK_TIMEOUT
func (p TxParams) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + 2*MaxLatency + p.AckTimeout
}

// NonLifetime NON_LIFETIME = MAX_TRANSMIT_SPAN + MAX_LATENCY
func (p TxParams) NonLifetime() time.Duration {
	return p.MaxTransmitSpan() + MaxLatency
}

// TCPConfig CoAP over TCP（RFC 8323）相关配置
type TCPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`   // 等待CSM与响应的超时
	MaxMessageSize int           `mapstructure:"max_message_size" yaml:"max_message_size"` // 本端可接收的最大消息
	BERT           bool          `mapstructure:"bert" yaml:"bert"`                         // 是否在CSM中声明BERT支持
}

// Config 引擎主配置
type Config struct {
	UDP                TxParams  `mapstructure:"udp" yaml:"udp"`
	TCP                TCPConfig `mapstructure:"tcp" yaml:"tcp"`
	MaxExchanges       int       `mapstructure:"max_exchanges" yaml:"max_exchanges"`               // 同时存活的交换数
	MaxObservations    int       `mapstructure:"max_observations" yaml:"max_observations"`         // 观察表容量
	MaxBlockTransfers  int       `mapstructure:"max_block_transfers" yaml:"max_block_transfers"`   // 服务端分块上下文容量
	BlockSize          int       `mapstructure:"block_size" yaml:"block_size"`                     // 首选块大小（16..1024，2的幂）
	ResponseBufferSize int       `mapstructure:"response_buffer_size" yaml:"response_buffer_size"` // 每个交换的重组缓冲区
	ResponseCacheSize  int       `mapstructure:"response_cache_size" yaml:"response_cache_size"`   // UDP去重响应缓存（字节）
	MTU                int       `mapstructure:"mtu" yaml:"mtu"`                                   // 出站数据报上限
	LogLevel           string    `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		UDP: DefaultTxParams(),
		TCP: TCPConfig{
			RequestTimeout: 30 * time.Second,
			MaxMessageSize: 1152,
			BERT:           false,
		},
		MaxExchanges:       16,
		MaxObservations:    16,
		MaxBlockTransfers:  4,
		BlockSize:          1024,
		ResponseBufferSize: 4096,
		ResponseCacheSize:  8192,
		MTU:                1152,
		LogLevel:           "info",
	}
}

// Validate 校验引擎配置
func (c Config) Validate() error {
	if err := c.UDP.Validate(); err != nil {
		return err
	}
	if c.TCP.RequestTimeout <= 0 {
		return fmt.Errorf("tcp.request_timeout必须为正数")
	}
	if c.TCP.MaxMessageSize < 64 {
		return fmt.Errorf("tcp.max_message_size过小: %d", c.TCP.MaxMessageSize)
	}
	if c.MaxExchanges <= 0 || c.MaxObservations <= 0 || c.MaxBlockTransfers <= 0 {
		return fmt.Errorf("表容量必须为正数")
	}
	if c.BlockSize < 16 || c.BlockSize > 1024 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size必须是16..1024之间的2的幂，当前为%d", c.BlockSize)
	}
	if c.ResponseBufferSize < c.BlockSize {
		return fmt.Errorf("response_buffer_size不能小于block_size")
	}
	if c.MTU < 64 {
		return fmt.Errorf("mtu过小: %d", c.MTU)
	}
	return nil
}
