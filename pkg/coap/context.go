// CoAP上下文：持有交换注册表、观察表与块传输上下文，提供收包与定时两个驱动入口
package coap

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/block"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/exchange"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/observe"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/tcp"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/udp"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/prng"
	"go.uber.org/multierr"
)

// blockOverhead 估算的消息头、令牌与选项开销，用于由消息上限推导块大小
const blockOverhead = 64

var (
	// ErrClosed 上下文已关闭
	ErrClosed = errors.New("coap: context closed")
	// ErrNotReliable 操作只适用于TCP上下文
	ErrNotReliable = errors.New("coap: operation requires a reliable transport")
)

// RequestHandler 收到新请求时调用，处理函数返回前未应答的请求由上下文以5.00应答
type RequestHandler func(*IncomingRequest)

// Option 上下文可选参数
type Option func(*options)

type options struct {
	log   *logger.Logger
	src   *prng.Source
	clock clockwork.Clock
}

// WithLogger 指定日志器
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithPRNG 指定随机源（令牌、消息ID与退避抖动）
func WithPRNG(src *prng.Source) Option {
	return func(o *options) { o.src = src }
}

// WithClock 指定时钟，应与调度器使用同一时间来源
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Context 一个对端连接上的CoAP上下文
// 单线程使用：HandlePacket、HandleIncoming、RunDue与其他方法必须在同一调度上下文中调用
type Context struct {
	cfg      api.Config
	reliable bool             // TCP上下文
	sock     api.Socket       // 套接字协作者
	sched    api.Scheduler    // 调度器协作者
	handler  RequestHandler   // 新请求处理函数
	log      *logger.Logger   // 日志实例
	clock    clockwork.Clock  // 时间来源
	enc      exchange.Encoder // UDP或TCP编码器
	udpCodec *message.Encoder // UDP解码
	engine   *udp.Engine      // UDP可靠性引擎（TCP为nil）
	framer   *tcp.Framer      // TCP分帧（UDP为nil）
	csm      *tcp.CSMState    // TCP能力协商（UDP为nil）
	mtu      int              // UDP出站数据报上限
	src      *prng.Source     // 随机源
	blocks   *block.Manager   // 块传输上下文
	registry *exchange.Registry
	observes *observe.Manager
	job      api.JobHandle // 当前调度的定时任务
	jobDue   time.Time     // 定时任务的到期时间
	rx       []byte        // 接收缓冲区
	tx       []byte        // 应答编码缓冲区
	closed   bool
	aborted  bool
}

func newContext(cfg api.Config, sock api.Socket, sched api.Scheduler, h RequestHandler, opts []Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("无效的配置: %w", err)
	}
	if sock == nil || sched == nil {
		return nil, errors.New("coap: socket and scheduler are required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.src == nil {
		src, err := prng.NewFromEntropy()
		if err != nil {
			return nil, err
		}
		o.src = src
	}
	if h == nil {
		h = func(*IncomingRequest) {}
	}
	return &Context{
		cfg:     cfg,
		sock:    sock,
		sched:   sched,
		handler: h,
		log:     o.log,
		clock:   o.clock,
		src:     o.src,
		blocks:  block.NewManager(cfg.MaxExchanges, cfg.MaxBlockTransfers),
	}, nil
}

// NewUDPContext 创建UDP上下文
// 参数：cfg - 引擎配置，sock - 已连接的UDP套接字，sched - 调度器，h - 新请求处理函数
func NewUDPContext(cfg api.Config, sock api.Socket, sched api.Scheduler, h RequestHandler, opts ...Option) (*Context, error) {
	c, err := newContext(cfg, sock, sched, h, opts)
	if err != nil {
		return nil, err
	}
	c.udpCodec = message.NewEncoder()
	c.enc = c.udpCodec
	c.engine = udp.NewEngine(cfg.UDP, cfg.ResponseCacheSize, c.src)
	c.mtu = cfg.MTU
	if inner, err := sock.GetOption(api.SocketOptionInnerMTU); err == nil && inner > 0 && inner < c.mtu {
		c.mtu = inner
	}
	c.rx = make([]byte, 65535)
	c.init(exchange.Config{
		Capacity:           cfg.MaxExchanges,
		Engine:             c.engine,
		ResponseBufferSize: cfg.ResponseBufferSize,
		Encoder:            c.enc,
	})
	c.log.Debug("UDP上下文已创建", logger.Int("mtu", c.mtu))
	return c, nil
}

// NewTCPContext 创建TCP上下文并立即发送本端CSM
// 在收到对端CSM之前，新请求保持CREATED状态；超过request_timeout未收到则连接失败
func NewTCPContext(cfg api.Config, sock api.Socket, sched api.Scheduler, h RequestHandler, opts ...Option) (*Context, error) {
	c, err := newContext(cfg, sock, sched, h, opts)
	if err != nil {
		return nil, err
	}
	c.reliable = true
	c.enc = message.NewTCPEncoder()
	c.csm = tcp.NewCSMState(cfg.TCP, c.clock.Now())
	c.framer = tcp.NewFramer(cfg.TCP.MaxMessageSize)
	c.rx = make([]byte, cfg.TCP.MaxMessageSize)
	c.init(exchange.Config{
		Capacity:           cfg.MaxExchanges,
		Reliable:           true,
		RequestTimeout:     cfg.TCP.RequestTimeout,
		ResponseBufferSize: cfg.ResponseBufferSize,
		Encoder:            c.enc,
	})
	if err := c.send(c.csm.Build()); err != nil {
		return nil, fmt.Errorf("发送CSM失败: %w", err)
	}
	c.reschedule()
	return c, nil
}

func (c *Context) init(rc exchange.Config) {
	l := contextLink{c}
	c.registry = exchange.NewRegistry(rc, l, c.blocks, c.src, c.clock, c.log)
	c.observes = observe.NewManager(c.cfg.MaxObservations, c.blocks, l, c.blockLifetime(), c.clock.Now, c.log)
}

// blockLifetime 服务端Block2续传上下文的保留时长
func (c *Context) blockLifetime() time.Duration {
	if c.reliable {
		return c.cfg.TCP.RequestTimeout
	}
	return c.cfg.UDP.ExchangeLifetime()
}

// Reliable 是否为TCP上下文
func (c *Context) Reliable() bool { return c.reliable }

// Send 发送请求
// 参数：req - 请求描述，h - 结果回调（每个交换恰好一次终止结果）
// 返回：交换ID；资源耗尽或首次发送失败时同步返回错误
func (c *Context) Send(req *exchange.Request, h exchange.ResponseHandler) (exchange.ID, error) {
	if c.closed || c.aborted {
		return exchange.InvalidID, ErrClosed
	}
	id, err := c.registry.Create(*req, h)
	c.reschedule()
	return id, err
}

// Cancel 取消交换，对已结束或无效的ID为空操作
func (c *Context) Cancel(id exchange.ID) {
	c.registry.Cancel(id)
	c.reschedule()
}

// Notify 向观察者发送通知
// 参数：id - 观察标识，code - 响应码，opts - 响应选项，w - 负载，confirmable - 以CON发送（仅UDP）
func (c *Context) Notify(id observe.ID, code message.Code, opts message.Options, w block.PayloadWriter, confirmable bool) error {
	if c.closed || c.aborted {
		return ErrClosed
	}
	err := c.observes.Notify(id, code, opts, w, confirmable)
	c.reschedule()
	return err
}

// CancelObservation 主动取消观察
func (c *Context) CancelObservation(id observe.ID) bool {
	return c.observes.Cancel(id)
}

// Observations 当前观察数
func (c *Context) Observations() int { return c.observes.Len() }

// Exchanges 当前存活的交换数
func (c *Context) Exchanges() int { return c.registry.Len() }

// Ping 发送TCP Ping信令（对端的Pong被忽略）
func (c *Context) Ping() error {
	if !c.reliable {
		return ErrNotReliable
	}
	return c.send(tcp.NewPing(token.Generate(c.src, 0)))
}

// HandleIncoming 以非阻塞方式读空套接字，逐个处理收到的数据
func (c *Context) HandleIncoming() error {
	for !c.closed && !c.aborted {
		n, err := c.sock.Receive(c.rx)
		if errors.Is(err, api.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("接收失败: %w", err)
		}
		if err := c.HandlePacket(c.rx[:n]); err != nil {
			return err
		}
	}
	return nil
}

// HandlePacket 处理一个UDP数据报或一段TCP字节流
// UDP格式错误的数据报被静默丢弃；TCP帧错误会中止连接并返回错误
func (c *Context) HandlePacket(data []byte) error {
	if c.closed || c.aborted {
		return ErrClosed
	}
	defer c.reschedule()
	if !c.reliable {
		msg, err := c.udpCodec.Decode(data)
		if err != nil {
			c.log.Debug("丢弃格式错误的数据报", logger.Err(err), logger.Int("len", len(data)))
			return nil
		}
		c.dispatch(msg)
		return nil
	}
	return c.handleStream(data)
}

func (c *Context) handleStream(data []byte) error {
	for {
		n := c.framer.Feed(data)
		data = data[n:]
		for {
			msg, err := c.framer.Next()
			if errors.Is(err, message.ErrNeedMoreData) {
				break
			}
			if err != nil {
				return c.abort("malformed frame", 0, err)
			}
			if err := c.handleFrame(msg); err != nil {
				return err
			}
		}
		if len(data) == 0 {
			return nil
		}
		if n == 0 {
			return c.abort("frame too large", 0, tcp.ErrFrameTooLarge)
		}
	}
}

func (c *Context) handleFrame(msg *message.Message) error {
	// 对端的第一条消息必须是CSM（Abort除外）
	if err := c.csm.Check(msg); err != nil {
		return c.abort("CSM expected", 0, err)
	}
	if msg.Code.IsSignaling() {
		first := !c.csm.Received()
		reply, err := tcp.HandleSignal(msg, c.csm)
		var bad *tcp.BadOptionError
		switch {
		case errors.As(err, &bad):
			return c.abort("bad CSM option", bad.ID, err)
		case err != nil:
			c.shutdown(err)
			return err
		}
		if reply != nil {
			if err := c.send(reply); err != nil {
				c.log.Warn("发送信令应答失败", logger.Err(err))
			}
		}
		if first && c.csm.Received() {
			c.log.Debug("收到对端CSM",
				logger.Int("maxMessageSize", c.csm.PeerMaxMessageSize),
				logger.Bool("bert", c.csm.PeerBERT))
			c.registry.Resume()
		}
		return nil
	}
	c.dispatch(msg)
	return nil
}

// dispatch 分发一条解码后的消息：请求交给处理函数，其余交给注册表与观察表
func (c *Context) dispatch(msg *message.Message) {
	if msg.Code.IsRequest() {
		c.handleRequest(msg)
		return
	}
	if !c.reliable && msg.IsPing() {
		c.reply(message.NewEmpty(message.Reset, msg.MessageID))
		return
	}
	if c.registry.HandleIncoming(msg) {
		return
	}
	if !c.reliable && msg.Type == message.Reset && c.observes.HandleReset(msg.MessageID) {
		return
	}
	c.log.Debug("未匹配的消息",
		logger.Stringer("type", msg.Type),
		logger.Stringer("code", msg.Code),
		logger.String("token", msg.Token.Hex()),
		logger.String("payload", tcp.EscapeString(msg.Payload)))
	if !c.reliable && msg.Type == message.Confirmable {
		c.reply(message.NewEmpty(message.Reset, msg.MessageID))
	}
}

// RunDue 定时入口：处理重传与超时、清理过期的缓存与块上下文、检查CSM超时
func (c *Context) RunDue(now time.Time) {
	if c.closed || c.aborted {
		return
	}
	if c.reliable && c.csm.Expired(now) {
		c.log.Warn("等待对端CSM超时")
		c.shutdown(tcp.ErrCSMTimeout)
		return
	}
	c.registry.OnTick(now)
	c.blocks.Expire(now)
	if c.engine != nil {
		c.engine.Cache().Expire(now)
	}
	c.reschedule()
}

// reschedule 将唯一的定时任务调整到最近的截止时间
func (c *Context) reschedule() {
	if c.closed || c.aborted {
		c.cancelJob()
		return
	}
	var due time.Time
	earliest := func(t time.Time, ok bool) {
		if ok && (due.IsZero() || t.Before(due)) {
			due = t
		}
	}
	earliest(c.registry.NextDeadline())
	earliest(c.blocks.NextExpiry())
	if c.reliable && !c.csm.Received() {
		earliest(c.csm.Deadline(), true)
	}
	if due.IsZero() {
		c.cancelJob()
		return
	}
	if c.job != 0 && c.jobDue.Equal(due) {
		return
	}
	c.cancelJob()
	c.jobDue = due
	c.job = c.sched.Schedule(due.Sub(c.sched.Now()), func(now time.Time) {
		c.job = 0
		c.RunDue(now)
	})
}

func (c *Context) cancelJob() {
	if c.job != 0 {
		c.sched.Cancel(c.job)
		c.job = 0
	}
}

// abort 发送Abort信令并关闭连接
func (c *Context) abort(diagnostic string, bad message.OptionID, cause error) error {
	c.log.Warn("中止TCP连接", logger.String("reason", diagnostic), logger.Err(cause))
	if err := c.send(tcp.NewAbort(diagnostic, bad)); err != nil {
		cause = multierr.Append(cause, err)
	}
	c.shutdown(cause)
	return cause
}

// shutdown 连接失败：所有交换以FAILED结束，观察被取消，套接字关闭
func (c *Context) shutdown(cause error) {
	if c.aborted {
		return
	}
	c.aborted = true
	c.cancelJob()
	c.registry.FailAll(cause)
	c.observes.Close()
	c.blocks.Close()
	if c.framer != nil {
		c.framer.Reset()
	}
	if err := c.sock.Close(); err != nil {
		c.log.Debug("关闭套接字失败", logger.Err(err))
	}
}

// Close 关闭上下文：交换以CANCELED结束，观察被取消，最后关闭套接字
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancelJob()
	if c.aborted {
		return nil
	}
	var err error
	if c.reliable && c.csm.Received() {
		err = multierr.Append(err, c.send(tcp.NewRelease()))
	}
	c.registry.Close()
	c.observes.Close()
	c.blocks.Close()
	return multierr.Append(err, c.sock.Close())
}

// send 编码并发送一条不需要跟踪的消息
func (c *Context) send(msg *message.Message) error {
	data, err := c.encode(msg)
	if err != nil {
		return err
	}
	return c.sock.Send(data)
}

// reply 发送空ACK/RST等应答，失败只记录日志
func (c *Context) reply(msg *message.Message) {
	if err := c.send(msg); err != nil {
		c.log.Debug("发送应答失败", logger.Stringer("type", msg.Type), logger.Err(err))
	}
}

func (c *Context) encode(msg *message.Message) ([]byte, error) {
	size, err := c.enc.Size(msg)
	if err != nil {
		return nil, err
	}
	if limit := c.maxMessageSize(); size > limit {
		return nil, fmt.Errorf("%w: %d > %d", exchange.ErrMessageTooLarge, size, limit)
	}
	if cap(c.tx) < size {
		c.tx = make([]byte, size)
	}
	n, err := c.enc.Encode(msg, c.tx[:size])
	if err != nil {
		return nil, err
	}
	return c.tx[:n], nil
}

func (c *Context) maxMessageSize() int {
	if c.reliable {
		return c.csm.PeerMaxMessageSize
	}
	return c.mtu
}

func (c *Context) blockParams() (uint8, int) {
	if c.reliable {
		return c.csm.BlockParams(c.cfg.BlockSize, blockOverhead)
	}
	limit := c.mtu - blockOverhead
	if c.cfg.BlockSize < limit {
		limit = c.cfg.BlockSize
	}
	return block.SZXForSize(limit), 0
}

// contextLink 向注册表与观察表提供链路能力
type contextLink struct{ c *Context }

func (l contextLink) Transmit(data []byte) error { return l.c.sock.Send(data) }

func (l contextLink) Ready() bool {
	return !l.c.aborted && (!l.c.reliable || l.c.csm.Received())
}

func (l contextLink) MaxMessageSize() int { return l.c.maxMessageSize() }

func (l contextLink) BlockParams() (uint8, int) { return l.c.blockParams() }

// SendNotification UDP的CON通知经注册表跟踪，其余直接发送
func (l contextLink) SendNotification(msg *message.Message, confirmable bool, done exchange.ResponseHandler) error {
	c := l.c
	if c.reliable {
		return c.send(msg)
	}
	if confirmable {
		_, err := c.registry.CreateNotification(msg, done)
		return err
	}
	msg.Type = message.NonConfirmable
	msg.MessageID = c.engine.NextMessageID()
	return c.send(msg)
}
