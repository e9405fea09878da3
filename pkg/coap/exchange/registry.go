package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/block"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/udp"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/prng"
)

type kind uint8

const (
	kindRequest      kind = iota // 本端发起的请求
	kindNotification             // 本端发出的CON通知
)

// exchange 交换表中的一项，id为0表示空闲
type exchange struct {
	id             ID
	kind           kind
	state          State
	token          token.Token
	code           message.Code
	options        message.Options
	nonConfirmable bool
	handler        ResponseHandler

	mid      uint16         // 当前在途消息的ID（UDP）
	retry    udp.RetryState // 重传状态（UDP CON）
	retrying bool           // 是否在等待ACK并按退避重传
	deadline time.Time      // 下次重传或超时的时间
	wire     []byte         // 当前在途消息的编码，用于重传

	transfer  *block.ClientTransfer
	szx       uint8
	bertUnits int
}

// Config 注册表配置
type Config struct {
	Capacity           int           // 交换表容量
	TokenLength        int           // 令牌长度，0表示8字节
	Reliable           bool          // 可靠传输（TCP）：无消息类型、无重传
	Engine             *udp.Engine   // UDP可靠性引擎，Reliable为false时必填
	RequestTimeout     time.Duration // TCP下等待响应的超时
	ResponseBufferSize int           // 未提供响应缓冲区时分配的大小
	Encoder            Encoder       // 对应传输的编码器
}

// Registry 交换注册表
// 单线程使用：所有方法都应在同一个调度上下文中调用
// 回调执行期间发起的创建、取消操作会先登记，待本次分发结束后再执行
type Registry struct {
	cfg    Config
	link   Link
	blocks *block.Manager
	src    *prng.Source
	clock  clockwork.Clock
	log    *logger.Logger

	slots      []exchange
	nextID     ID
	inCallback int
	flushing   bool
	deferred   []func()
	closed     bool
}

// NewRegistry 创建交换注册表
// 参数：cfg - 配置，link - 链路能力，blocks - 块传输管理器，src - 随机源，clock - 时钟，log - 日志器
func NewRegistry(cfg Config, link Link, blocks *block.Manager, src *prng.Source, clock clockwork.Clock, log *logger.Logger) *Registry {
	if cfg.TokenLength <= 0 {
		cfg.TokenLength = token.MaxLength
	}
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		cfg:    cfg,
		link:   link,
		blocks: blocks,
		src:    src,
		clock:  clock,
		log:    log,
		slots:  make([]exchange, cfg.Capacity),
	}
}

// Create 创建并发送一个请求交换
// 在回调中调用时交换立即登记，发送推迟到本次分发结束后
// 参数：req - 请求描述，h - 结果回调
// 返回：交换ID；表满返回ErrNoSlot，首次发送失败返回传输错误（此时不会触发回调）
func (r *Registry) Create(req Request, h ResponseHandler) (ID, error) {
	if r.closed {
		return InvalidID, ErrClosed
	}
	if h == nil {
		h = func(*Response) {}
	}
	ex := r.freeSlot()
	if ex == nil {
		return InvalidID, ErrNoSlot
	}
	tok, err := r.newToken()
	if err != nil {
		return InvalidID, err
	}

	id := r.nextID + 1
	buf := req.ResponseBuffer
	if buf == nil {
		buf = make([]byte, r.cfg.ResponseBufferSize)
	}
	szx, units := r.link.BlockParams()
	ct, err := r.blocks.StartClient(uint64(id), req.Writer, buf, szx, units)
	if err != nil {
		return InvalidID, fmt.Errorf("%w: %v", ErrNoSlot, err)
	}
	r.nextID = id

	wire := ex.wire[:0]
	*ex = exchange{
		id:             id,
		kind:           kindRequest,
		state:          StateCreated,
		token:          tok,
		code:           req.Code,
		options:        req.Options.Clone(),
		nonConfirmable: req.NonConfirmable,
		handler:        h,
		wire:           wire,
		transfer:       ct,
		szx:            szx,
		bertUnits:      units,
	}

	if r.inCallback > 0 || !r.canStart() {
		r.log.Debug("交换已登记，等待发送", logger.Uint64("id", uint64(id)), logger.String("token", tok.Hex()))
		return id, nil
	}
	if err := r.start(ex); err != nil {
		r.release(ex)
		return InvalidID, err
	}
	return id, nil
}

// CreateNotification 以CON发送一条通知并跟踪其确认
// ACK使交换以DELIVERED结束，RST为FAILED，重传耗尽为TIMED_OUT
// 参数：msg - 已构造好的通知（消息ID由本方法分配并写回）
func (r *Registry) CreateNotification(msg *message.Message, h ResponseHandler) (ID, error) {
	if r.closed {
		return InvalidID, ErrClosed
	}
	if r.cfg.Reliable {
		return InvalidID, errors.New("exchange: notifications are not tracked on reliable transports")
	}
	if h == nil {
		h = func(*Response) {}
	}
	ex := r.freeSlot()
	if ex == nil {
		return InvalidID, ErrNoSlot
	}
	r.nextID++
	wire := ex.wire[:0]
	*ex = exchange{
		id:      r.nextID,
		kind:    kindNotification,
		state:   StateCreated,
		token:   msg.Token,
		code:    msg.Code,
		handler: h,
		wire:    wire,
	}
	if err := r.send(ex, msg); err != nil {
		r.release(ex)
		return InvalidID, err
	}
	return ex.id, nil
}

// Cancel 取消交换：处于CREATED或AWAITING_RESPONSE时以CANCELED结束，否则为空操作
func (r *Registry) Cancel(id ID) {
	ex := r.lookup(id)
	if ex == nil || ex.state.Terminal() {
		return
	}
	if r.inCallback > 0 {
		r.deferCancel(ex)
		return
	}
	r.complete(ex, ResultCanceled, nil, nil, 0, ErrCanceled)
	r.settle()
}

// State 查询交换状态，ID已失效时返回false
func (r *Registry) State(id ID) (State, bool) {
	ex := r.lookup(id)
	if ex == nil {
		return 0, false
	}
	return ex.state, true
}

// Len 当前存活的交换数
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].id != InvalidID {
			n++
		}
	}
	return n
}

// Resume 链路就绪后（如收到CSM）发送被门控的交换
func (r *Registry) Resume() {
	r.settle()
}

// HandleIncoming 尝试将收到的消息匹配到在途交换
// UDP下ACK/RST按消息ID匹配，响应按令牌匹配；TCP下只按令牌匹配
// 返回：true表示消息已被注册表消费
func (r *Registry) HandleIncoming(msg *message.Message) bool {
	if r.closed {
		return false
	}
	handled := false
	switch {
	case r.cfg.Reliable:
		if msg.Code.IsResponse() {
			if ex := r.byToken(msg.Token); ex != nil {
				r.onResponse(ex, msg)
				handled = true
			}
		}
	case msg.Type == message.Acknowledgement:
		handled = r.onAck(msg)
	case msg.Type == message.Reset:
		handled = r.onReset(msg)
	case msg.Code.IsResponse():
		handled = r.onSeparate(msg)
	}
	r.settle()
	return handled
}

// OnTick 处理到期的重传与超时
func (r *Registry) OnTick(now time.Time) {
	for i := range r.slots {
		ex := &r.slots[i]
		if ex.id == InvalidID || ex.state != StateAwaitingResponse || now.Before(ex.deadline) {
			continue
		}
		if !ex.retrying {
			r.complete(ex, ResultTimedOut, nil, nil, 0, ErrTimeout)
			continue
		}
		if ex.retry.AllRetriesSent() {
			r.complete(ex, ResultTimedOut, nil, nil, 0, ErrTimeout)
			continue
		}
		ex.retry.Next()
		if err := r.link.Transmit(ex.wire); err != nil {
			// 重传失败视为一次丢包，仍按退避策略等待
			r.log.Warn("重传失败", logger.Uint64("id", uint64(ex.id)), logger.Err(err))
		}
		ex.deadline = now.Add(ex.retry.Timeout())
		r.log.Debug("重传CON消息",
			logger.Uint64("id", uint64(ex.id)),
			logger.Uint16("mid", ex.mid),
			logger.Uint("retries", ex.retry.Retries()),
			logger.Duration("timeout", ex.retry.Timeout()))
	}
	r.settle()
}

// NextDeadline 最近的重传或超时时间
func (r *Registry) NextDeadline() (time.Time, bool) {
	var t time.Time
	for i := range r.slots {
		ex := &r.slots[i]
		if ex.id == InvalidID || ex.state != StateAwaitingResponse {
			continue
		}
		if t.IsZero() || ex.deadline.Before(t) {
			t = ex.deadline
		}
	}
	return t, !t.IsZero()
}

// FailAll 以FAILED结束所有存活交换（连接中止时使用）
func (r *Registry) FailAll(err error) {
	for i := range r.slots {
		if ex := &r.slots[i]; ex.id != InvalidID {
			r.complete(ex, ResultFailed, nil, nil, 0, err)
		}
	}
	r.settle()
}

// Close 关闭注册表，所有存活交换以CANCELED结束
func (r *Registry) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for i := range r.slots {
		if ex := &r.slots[i]; ex.id != InvalidID {
			r.complete(ex, ResultCanceled, nil, nil, 0, ErrCanceled)
		}
	}
	r.settle()
}

func (r *Registry) onAck(msg *message.Message) bool {
	ex := r.byMID(msg.MessageID, true)
	if ex == nil {
		return false
	}
	if msg.Code == message.Empty {
		ex.retrying = false
		if ex.kind == kindNotification {
			r.complete(ex, ResultDelivered, msg, nil, 0, nil)
			return true
		}
		// 空ACK：停止重传，等待单独响应
		ex.deadline = r.clock.Now().Add(r.cfg.Engine.Params().ExchangeLifetime())
		return true
	}
	if ex.kind == kindNotification || !msg.Token.Equal(ex.token) {
		// 不属于该交换的ACK，重传照常进行
		r.log.Debug("携带响应的ACK令牌不匹配", logger.Uint16("mid", msg.MessageID))
		return true
	}
	ex.retrying = false
	r.onResponse(ex, msg)
	return true
}

func (r *Registry) onReset(msg *message.Message) bool {
	ex := r.byMID(msg.MessageID, false)
	if ex == nil {
		return false
	}
	r.complete(ex, ResultFailed, msg, nil, 0, ErrReset)
	return true
}

// onSeparate 处理UDP上以CON/NON单独发送的响应
func (r *Registry) onSeparate(msg *message.Message) bool {
	now := r.clock.Now()
	engine := r.cfg.Engine
	if msg.Type == message.Confirmable {
		if cached, dup := engine.Cache().Lookup("", msg.MessageID, now); dup {
			if len(cached) > 0 {
				if err := r.link.Transmit(cached); err != nil {
					r.log.Warn("重发ACK失败", logger.Uint16("mid", msg.MessageID), logger.Err(err))
				}
			}
			return true
		}
	}
	ex := r.byToken(msg.Token)
	if ex == nil {
		return false
	}
	if msg.Type == message.Confirmable {
		var ack [message.HeaderSize]byte
		n, err := r.cfg.Encoder.Encode(message.NewEmpty(message.Acknowledgement, msg.MessageID), ack[:])
		if err == nil {
			if err := r.link.Transmit(ack[:n]); err != nil {
				r.log.Warn("发送ACK失败", logger.Uint16("mid", msg.MessageID), logger.Err(err))
			}
			if err := engine.StoreResponse("", msg.MessageID, ack[:n], now); err != nil {
				r.log.Debug("ACK未缓存", logger.Uint16("mid", msg.MessageID), logger.Err(err))
			}
		}
	}
	ex.retrying = false
	r.onResponse(ex, msg)
	return true
}

// onResponse 将响应交给块管理器：继续Block1上传、请求下一Block2块，或完成交换
func (r *Registry) onResponse(ex *exchange, msg *message.Message) {
	ct := ex.transfer

	if s := ct.Sender; s != nil && ct.Block1 && !s.Done() && msg.Code == message.Continue {
		if b1, ok, err := block.Get(msg.Options, message.Block1); err == nil && ok && b1.SZX < ex.szx {
			ex.szx = b1.SZX
			ex.bertUnits = 0
		}
		r.sendNext(ex, nil)
		return
	}

	b2, has2, err := block.Get(msg.Options, message.Block2)
	if err != nil {
		r.complete(ex, ResultFailed, msg, nil, 0, err)
		return
	}
	if !has2 {
		if ct.Block2 {
			// 续传过程中收到不带Block2的响应（如4.08），作为最终响应交付
			r.complete(ex, ResultDelivered, msg, msg.Payload, 0, nil)
			return
		}
		b2 = block.Option{SZX: block.MaxSZX}
	}

	status, err := ct.Receiver.Feed(b2, msg.Payload)
	if err == nil && status == block.StatusBufferFull {
		id := ex.id
		data := ct.Receiver.Flush()
		r.invoke(ex.handler, &Response{
			ID:      id,
			Result:  ResultPartialContent,
			Msg:     msg,
			Payload: data,
			Offset:  ct.Receiver.Base() - len(data),
		})
		if ex.id != id || ex.state != StateAwaitingResponse {
			return
		}
		status, err = ct.Receiver.Feed(b2, msg.Payload)
	}
	if err != nil {
		r.complete(ex, ResultFailed, msg, nil, 0, err)
		return
	}

	switch status {
	case block.StatusComplete:
		r.complete(ex, ResultDelivered, msg, ct.Receiver.Data(), ct.Receiver.Base(), nil)
	case block.StatusNeedMore:
		ct.Block2 = true
		next := block.Option{Num: ct.Receiver.NextNum(b2.SZX), SZX: b2.SZX}
		r.sendNext(ex, &next)
	default:
		r.complete(ex, ResultFailed, msg, nil, 0, block.ErrBlockTooLarge)
	}
}

// sendNext 以相同令牌、新消息ID发送续传请求
func (r *Registry) sendNext(ex *exchange, b2 *block.Option) {
	msg, err := r.buildRequest(ex, b2)
	if err == nil {
		err = r.send(ex, msg)
	}
	if err != nil {
		r.complete(ex, ResultFailed, nil, nil, 0, err)
	}
}

// buildRequest 构造请求消息：首个请求或Block1续传时附带下一块负载，Block2续传不带负载
func (r *Registry) buildRequest(ex *exchange, b2 *block.Option) (*message.Message, error) {
	msg := &message.Message{
		Code:    ex.code,
		Token:   ex.token,
		Options: append(message.Options(nil), ex.options...),
	}
	if b2 != nil {
		msg.Options.Remove(message.Observe)
		block.Set(&msg.Options, message.Block2, *b2)
		return msg, nil
	}
	ct := ex.transfer
	if ct.Sender == nil || ct.Sender.Done() {
		return msg, nil
	}
	chunk, bo, err := ct.Sender.Next(ex.szx, ex.bertUnits)
	if err != nil {
		return nil, err
	}
	if bo.Num != 0 || bo.More {
		block.Set(&msg.Options, message.Block1, bo)
		ct.Block1 = true
	}
	msg.Payload = chunk
	return msg, nil
}

// start 发送交换的首个请求
func (r *Registry) start(ex *exchange) error {
	msg, err := r.buildRequest(ex, nil)
	if err != nil {
		return err
	}
	return r.send(ex, msg)
}

// send 编码并发送消息，设置重传或超时时间
func (r *Registry) send(ex *exchange, msg *message.Message) error {
	now := r.clock.Now()
	if !r.cfg.Reliable {
		if ex.nonConfirmable {
			msg.Type = message.NonConfirmable
		} else {
			msg.Type = message.Confirmable
		}
		ex.mid = r.cfg.Engine.NextMessageID()
		msg.MessageID = ex.mid
	}
	if err := r.encode(ex, msg); err != nil {
		return err
	}
	if err := r.link.Transmit(ex.wire); err != nil {
		return err
	}

	ex.state = StateAwaitingResponse
	switch {
	case r.cfg.Reliable:
		ex.retrying = false
		ex.deadline = now.Add(r.cfg.RequestTimeout)
	case msg.Type == message.Confirmable:
		ex.retry = r.cfg.Engine.NewRetryState()
		ex.retrying = true
		ex.deadline = now.Add(ex.retry.Timeout())
	default:
		ex.retrying = false
		ex.deadline = now.Add(r.cfg.Engine.Params().NonLifetime())
	}
	r.log.Debug("发送消息",
		logger.Uint64("id", uint64(ex.id)),
		logger.Stringer("code", msg.Code),
		logger.Uint16("mid", msg.MessageID),
		logger.String("token", ex.token.Hex()),
		logger.Int("len", len(ex.wire)))
	return nil
}

func (r *Registry) encode(ex *exchange, msg *message.Message) error {
	size, err := r.cfg.Encoder.Size(msg)
	if err != nil {
		return err
	}
	if limit := r.link.MaxMessageSize(); size > limit {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, limit)
	}
	if cap(ex.wire) < size {
		ex.wire = make([]byte, size)
	}
	ex.wire = ex.wire[:size]
	_, err = r.cfg.Encoder.Encode(msg, ex.wire)
	return err
}

// canStart 是否允许再发送一个请求（链路就绪且UDP未超过NSTART）
func (r *Registry) canStart() bool {
	if r.closed || !r.link.Ready() {
		return false
	}
	if r.cfg.Reliable {
		return true
	}
	outstanding := 0
	for i := range r.slots {
		ex := &r.slots[i]
		// 未确认的CON与未收到响应的NON都计为未完成交互
		if ex.id != InvalidID && ex.kind == kindRequest && ex.state == StateAwaitingResponse &&
			(ex.retrying || ex.nonConfirmable) {
			outstanding++
		}
	}
	return outstanding < int(r.cfg.Engine.Params().NStart)
}

// promoteOne 发送最早登记的CREATED交换
func (r *Registry) promoteOne() bool {
	if !r.canStart() {
		return false
	}
	var oldest *exchange
	for i := range r.slots {
		ex := &r.slots[i]
		if ex.id != InvalidID && ex.state == StateCreated && (oldest == nil || ex.id < oldest.id) {
			oldest = ex
		}
	}
	if oldest == nil {
		return false
	}
	if err := r.start(oldest); err != nil {
		r.complete(oldest, ResultFailed, nil, nil, 0, err)
	}
	return true
}

// settle 分发结束后执行登记的操作，并发送被门控的交换
func (r *Registry) settle() {
	if r.inCallback > 0 || r.flushing {
		return
	}
	r.flushing = true
	defer func() { r.flushing = false }()
	for {
		if len(r.deferred) > 0 {
			op := r.deferred[0]
			copy(r.deferred, r.deferred[1:])
			r.deferred[len(r.deferred)-1] = nil
			r.deferred = r.deferred[:len(r.deferred)-1]
			op()
			continue
		}
		if r.promoteOne() {
			continue
		}
		return
	}
}

// deferCancel 回调期间的取消：立即标记为CANCELED使其不再被匹配或重传，回调推迟执行
func (r *Registry) deferCancel(ex *exchange) {
	id := ex.id
	ex.state = StateCanceled
	r.deferred = append(r.deferred, func() {
		if ex.id == id {
			r.complete(ex, ResultCanceled, nil, nil, 0, ErrCanceled)
		}
	})
}

// complete 释放交换并调用一次终止回调
func (r *Registry) complete(ex *exchange, res Result, msg *message.Message, payload []byte, offset int, err error) {
	resp := &Response{ID: ex.id, Result: res, Msg: msg, Payload: payload, Offset: offset, Err: err}
	h := ex.handler
	r.log.Debug("交换结束",
		logger.Uint64("id", uint64(ex.id)),
		logger.String("token", ex.token.Hex()),
		logger.Stringer("result", res))
	r.release(ex)
	r.invoke(h, resp)
}

func (r *Registry) invoke(h ResponseHandler, resp *Response) {
	r.inCallback++
	defer func() { r.inCallback-- }()
	h(resp)
}

func (r *Registry) release(ex *exchange) {
	r.blocks.EndClient(uint64(ex.id))
	wire := ex.wire[:0]
	*ex = exchange{wire: wire}
}

func (r *Registry) freeSlot() *exchange {
	for i := range r.slots {
		if r.slots[i].id == InvalidID {
			return &r.slots[i]
		}
	}
	return nil
}

// lookup 按ID查找，槽位中保存的ID必须一致，失效ID返回nil
func (r *Registry) lookup(id ID) *exchange {
	if id == InvalidID {
		return nil
	}
	for i := range r.slots {
		if r.slots[i].id == id {
			return &r.slots[i]
		}
	}
	return nil
}

// byToken 查找等待响应的请求交换
func (r *Registry) byToken(t token.Token) *exchange {
	for i := range r.slots {
		ex := &r.slots[i]
		if ex.id != InvalidID && ex.kind == kindRequest && ex.state == StateAwaitingResponse && ex.token.Equal(t) {
			return ex
		}
	}
	return nil
}

// byMID 查找在途消息ID匹配的交换，ackOnly为true时只匹配等待ACK的CON
func (r *Registry) byMID(mid uint16, ackOnly bool) *exchange {
	for i := range r.slots {
		ex := &r.slots[i]
		if ex.id == InvalidID || ex.state != StateAwaitingResponse || ex.mid != mid {
			continue
		}
		if ex.retrying || (!ackOnly && ex.nonConfirmable) {
			return ex
		}
	}
	return nil
}

func (r *Registry) newToken() (token.Token, error) {
	for i := 0; i < 16; i++ {
		t := token.Generate(r.src, r.cfg.TokenLength)
		clash := false
		for j := range r.slots {
			if r.slots[j].id != InvalidID && r.slots[j].token.Equal(t) {
				clash = true
				break
			}
		}
		if !clash {
			return t, nil
		}
	}
	return token.Token{}, ErrTokenExhausted
}
