// 观察管理：以原始请求令牌为键的订阅表、通知序号与取消
package observe

import (
	"errors"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/block"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/exchange"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
)

// ID 观察标识，即原始Observe请求的令牌
type ID = token.Token

// SequenceMask Observe选项值为24位
const SequenceMask = 1<<24 - 1

const (
	// Register Observe=0：注册
	Register uint32 = 0
	// Deregister Observe=1：注销
	Deregister uint32 = 1
)

var (
	// ErrNoSlot 观察表已满
	ErrNoSlot = errors.New("observe: no free observation slot")
	// ErrNotFound 观察不存在或已取消
	ErrNotFound = errors.New("observe: no such observation")
	// ErrClosed 观察表已关闭
	ErrClosed = errors.New("observe: manager closed")

	// 以下为传给取消回调的原因
	ErrCanceled     = errors.New("observe: canceled")
	ErrReplaced     = errors.New("observe: replaced by new registration")
	ErrReset        = errors.New("observe: reset by peer")
	ErrDeregistered = errors.New("observe: deregistered by peer")
	ErrNotifyFailed = errors.New("observe: notification not acknowledged")
)

// CancelHandler 观察被移除时调用，每个观察恰好一次
type CancelHandler func(id ID, reason error)

// Sender 通知发送能力，由上层上下文实现
type Sender interface {
	// SendNotification 发送一条通知，发送后msg.MessageID为实际使用的消息ID
	// confirmable为true时（仅UDP）经交换注册表跟踪，done在其结束时调用
	SendNotification(msg *message.Message, confirmable bool, done exchange.ResponseHandler) error
	// BlockParams 当前块大小参数
	BlockParams() (szx uint8, bertUnits int)
}

type entry struct {
	used       bool
	gen        uint64
	token      token.Token
	reqCode    message.Code
	reqOptions message.Options
	seq        uint32
	lastMID    uint16
	notified   bool   // 是否已发出过通知（lastMID有效）
	blockKey   uint64 // 当前通知的Block2续传上下文，0表示无
	cancel     CancelHandler
}

// Manager 观察表
type Manager struct {
	entries  []entry
	blocks   *block.Manager
	sender   Sender
	lifetime time.Duration
	now      func() time.Time
	log      *logger.Logger
	gen      uint64
	closed   bool
}

// NewManager 创建观察表
// 参数：capacity - 容量，blocks - 块传输管理器（Block2通知续传），sender - 通知发送者，
// lifetime - Block2续传上下文保留时长，now - 当前时间
func NewManager(capacity int, blocks *block.Manager, sender Sender, lifetime time.Duration,
	now func() time.Time, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		entries:  make([]entry, capacity),
		blocks:   blocks,
		sender:   sender,
		lifetime: lifetime,
		now:      now,
		log:      log,
	}
}

// NextSequence 24位序号加一，回绕时跳过0
func NextSequence(seq uint32) uint32 {
	seq = (seq + 1) & SequenceMask
	if seq == 0 {
		seq = 1
	}
	return seq
}

// Start 登记观察
// 同一令牌已存在时替换旧观察，旧观察的取消回调以ErrReplaced触发
// 参数：req - 原始请求（选项被复制保存），cancel - 取消回调
func (m *Manager) Start(req *message.Message, cancel CancelHandler) (ID, error) {
	if m.closed {
		return ID{}, ErrClosed
	}
	if e := m.find(req.Token); e != nil {
		m.remove(e, ErrReplaced)
	}
	e := m.free()
	if e == nil {
		return ID{}, ErrNoSlot
	}
	if cancel == nil {
		cancel = func(ID, error) {}
	}
	m.gen++
	*e = entry{
		used:       true,
		gen:        m.gen,
		token:      req.Token,
		reqCode:    req.Code,
		reqOptions: req.Options.Clone(),
		cancel:     cancel,
	}
	m.log.Debug("登记观察", logger.String("token", req.Token.Hex()), logger.String("path", req.Options.Path()))
	return req.Token, nil
}

// Sequence 当前Observe序号
func (m *Manager) Sequence(id ID) (uint32, bool) {
	e := m.find(id)
	if e == nil {
		return 0, false
	}
	return e.seq, true
}

// Request 观察登记时保存的请求
func (m *Manager) Request(id ID) (*message.Message, bool) {
	e := m.find(id)
	if e == nil {
		return nil, false
	}
	return &message.Message{Code: e.reqCode, Token: e.token, Options: e.reqOptions}, true
}

// Len 当前观察数
func (m *Manager) Len() int {
	n := 0
	for i := range m.entries {
		if m.entries[i].used {
			n++
		}
	}
	return n
}

// Notify 发送一条通知
// 序号加一后与原始令牌一起发出；负载超过一个块时发送第0块并登记Block2续传上下文
// 参数：id - 观察标识，code - 响应码，opts - 响应选项，w - 负载（可为nil），confirmable - 以CON发送（仅UDP）
func (m *Manager) Notify(id ID, code message.Code, opts message.Options, w block.PayloadWriter, confirmable bool) error {
	e := m.find(id)
	if e == nil {
		return ErrNotFound
	}
	e.seq = NextSequence(e.seq)
	seq := e.seq

	msg := &message.Message{Code: code, Token: e.token, Options: opts.Clone()}
	msg.Options.SetUint(message.Observe, seq)

	if e.blockKey != 0 {
		m.blocks.EndServer(e.blockKey)
		e.blockKey = 0
	}
	if w != nil {
		szx, units := m.sender.BlockParams()
		chunk, bo, err := block.NewSender(w, 0).Next(szx, units)
		if err != nil {
			return err
		}
		if bo.More {
			req := &message.Message{Code: e.reqCode, Token: e.token, Options: e.reqOptions}
			st, err := m.blocks.StartServer(req, code, opts, w, szx, units, m.now().Add(m.lifetime))
			if err != nil {
				return err
			}
			e.blockKey = st.Key
			block.Set(&msg.Options, message.Block2, bo)
		}
		msg.Payload = chunk
	}

	gen := e.gen
	var done exchange.ResponseHandler
	if confirmable {
		done = func(r *exchange.Response) {
			if r.Result == exchange.ResultDelivered || r.Result == exchange.ResultPartialContent {
				return
			}
			// 通知未被确认：对端已不再关心，移除观察
			if cur := m.find(id); cur != nil && cur.gen == gen {
				m.remove(cur, ErrNotifyFailed)
			}
		}
	}
	if err := m.sender.SendNotification(msg, confirmable, done); err != nil {
		return err
	}
	// 发送过程中观察可能已被移除
	if cur := m.find(id); cur != nil && cur.gen == gen {
		cur.lastMID = msg.MessageID
		cur.notified = true
	}
	m.log.Debug("发送通知",
		logger.String("token", id.Hex()),
		logger.Uint32("seq", seq),
		logger.Bool("con", confirmable))
	return nil
}

// Cancel 主动取消观察
func (m *Manager) Cancel(id ID) bool {
	e := m.find(id)
	if e == nil {
		return false
	}
	m.remove(e, ErrCanceled)
	return true
}

// HandleReset 对端以RST回应某条通知时移除对应观察
// 参数：mid - RST的消息ID
func (m *Manager) HandleReset(mid uint16) bool {
	for i := range m.entries {
		e := &m.entries[i]
		if e.used && e.notified && e.lastMID == mid {
			m.remove(e, ErrReset)
			return true
		}
	}
	return false
}

// HandleDeregister 处理带Observe=1的GET：移除同一令牌的观察
func (m *Manager) HandleDeregister(tok token.Token) bool {
	e := m.find(tok)
	if e == nil {
		return false
	}
	m.remove(e, ErrDeregistered)
	return true
}

// Close 取消所有观察
func (m *Manager) Close() {
	m.closed = true
	for i := range m.entries {
		if e := &m.entries[i]; e.used {
			m.remove(e, ErrClosed)
		}
	}
}

// remove 先释放表项再调用取消回调，回调中可以安全地重新登记
func (m *Manager) remove(e *entry, reason error) {
	id, cancel := e.token, e.cancel
	if e.blockKey != 0 {
		m.blocks.EndServer(e.blockKey)
	}
	*e = entry{}
	m.log.Debug("移除观察", logger.String("token", id.Hex()), logger.Err(reason))
	cancel(id, reason)
}

func (m *Manager) find(id ID) *entry {
	for i := range m.entries {
		if e := &m.entries[i]; e.used && e.token.Equal(id) {
			return e
		}
	}
	return nil
}

func (m *Manager) free() *entry {
	for i := range m.entries {
		if !m.entries[i].used {
			return &m.entries[i]
		}
	}
	return nil
}
