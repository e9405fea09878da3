package tcp

import (
	"errors"
	"fmt"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/block"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
)

// 信令选项号（按信令码分别定义，RFC 8323 §5）
const (
	OptionMaxMessageSize     message.OptionID = 2 // CSM
	OptionBlockWiseTransfer  message.OptionID = 4 // CSM
	OptionCustody            message.OptionID = 2 // Ping/Pong
	OptionAlternativeAddress message.OptionID = 2 // Release
	OptionHoldOff            message.OptionID = 4 // Release
	OptionBadCSMOption       message.OptionID = 2 // Abort
)

// DefaultMaxMessageSize 未收到CSM时假定的对端最大消息大小
const DefaultMaxMessageSize = 1152

var (
	// ErrCSMTimeout 在request_timeout内未收到对端CSM
	ErrCSMTimeout = errors.New("tcp: timed out waiting for peer CSM")
	// ErrCSMExpected 对端在CSM之前发送了其他消息
	ErrCSMExpected = errors.New("tcp: message received before peer CSM")
	// ErrBadCSMOption CSM中包含无法识别的关键选项
	ErrBadCSMOption = errors.New("tcp: unsupported critical CSM option")
)

// CSMState 连接的能力协商状态
type CSMState struct {
	LocalMaxMessageSize int  // 本端可接收的最大消息
	LocalBERT           bool // 本端是否支持BERT
	PeerMaxMessageSize  int  // 对端可接收的最大消息
	PeerBERT            bool // 对端是否支持BERT
	received            bool
	deadline            time.Time
}

// NewCSMState 创建协商状态，等待对端CSM的截止时间为now+RequestTimeout
func NewCSMState(cfg api.TCPConfig, now time.Time) *CSMState {
	return &CSMState{
		LocalMaxMessageSize: cfg.MaxMessageSize,
		LocalBERT:           cfg.BERT,
		PeerMaxMessageSize:  DefaultMaxMessageSize,
		deadline:            now.Add(cfg.RequestTimeout),
	}
}

// Build 构造本端CSM消息
func (s *CSMState) Build() *message.Message {
	msg := &message.Message{Code: message.CSM}
	msg.Options.AddUint(OptionMaxMessageSize, uint32(s.LocalMaxMessageSize))
	if s.LocalBERT {
		msg.Options.Add(OptionBlockWiseTransfer, nil)
	}
	return msg
}

// Received 是否已收到对端CSM（之前的业务流量被阻塞）
func (s *CSMState) Received() bool { return s.received }

// Deadline 等待对端CSM的截止时间
func (s *CSMState) Deadline() time.Time { return s.deadline }

// Expired 截止时间已过且仍未收到CSM
func (s *CSMState) Expired(now time.Time) bool {
	return !s.received && !now.Before(s.deadline)
}

// Handle 处理对端CSM，重复的CSM会更新设置
// 返回：包含未知关键选项（奇数选项号）时返回ErrBadCSMOption
func (s *CSMState) Handle(msg *message.Message) error {
	for _, opt := range msg.Options {
		switch opt.ID {
		case OptionMaxMessageSize:
			v, err := message.DecodeUint(opt.Value)
			if err != nil {
				return fmt.Errorf("%w: Max-Message-Size", ErrBadCSMOption)
			}
			s.PeerMaxMessageSize = int(v)
		case OptionBlockWiseTransfer:
			s.PeerBERT = true
		default:
			if opt.ID&1 == 1 {
				return &BadOptionError{ID: opt.ID}
			}
		}
	}
	s.received = true
	return nil
}

// Check 在CSM到达之前只允许CSM与Abort
func (s *CSMState) Check(msg *message.Message) error {
	if s.received || msg.Code == message.CSM || msg.Code == message.Abort {
		return nil
	}
	return ErrCSMExpected
}

// BERTEnabled 双方均支持BERT
func (s *CSMState) BERTEnabled() bool { return s.LocalBERT && s.PeerBERT }

// BlockParams 计算块传输使用的SZX与BERT单元数
// 参数：preferred - 首选块大小，overhead - 消息除负载外的预估开销
func (s *CSMState) BlockParams(preferred, overhead int) (uint8, int) {
	if s.BERTEnabled() {
		if units := MaxBERTUnits(s.PeerMaxMessageSize, overhead); units >= 1 {
			return block.BERTSZX, units
		}
	}
	limit := s.PeerMaxMessageSize - overhead
	if preferred < limit {
		limit = preferred
	}
	return block.SZXForSize(limit), 0
}

// MaxBERTUnits 对端最大消息可容纳的1024字节单元数
func MaxBERTUnits(peerMaxMessageSize, overhead int) int {
	n := (peerMaxMessageSize - overhead) / block.BERTUnit
	if n < 0 {
		return 0
	}
	return n
}

// BadOptionError CSM中包含无法识别的关键选项
type BadOptionError struct {
	ID message.OptionID
}

func (e *BadOptionError) Error() string {
	return fmt.Sprintf("%s: %d", ErrBadCSMOption, e.ID)
}

func (e *BadOptionError) Unwrap() error { return ErrBadCSMOption }
