package coap

import (
	"errors"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/block"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/observe"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
)

var (
	// ErrAlreadyResponded 同一请求只能应答一次
	ErrAlreadyResponded = errors.New("coap: request already responded")
	// ErrNotObservable 请求不是Observe注册（GET/FETCH且Observe=0）
	ErrNotObservable = errors.New("coap: request is not an observe registration")
)

// IncomingRequest 收到的请求，仅在处理函数执行期间有效
type IncomingRequest struct {
	Msg       *message.Message // 请求消息
	c         *Context
	responded bool
	observing bool
	obsID     observe.ID
}

// Responded 是否已应答
func (r *IncomingRequest) Responded() bool { return r.responded }

// Observe 将请求登记为观察，之后的应答会携带Observe选项
// 参数：cancel - 观察被移除时的回调
func (r *IncomingRequest) Observe(cancel observe.CancelHandler) (observe.ID, error) {
	if r.Msg.Code != message.GET && r.Msg.Code != message.FETCH {
		return observe.ID{}, ErrNotObservable
	}
	if v, ok, err := r.Msg.Options.GetUint(message.Observe); err != nil || !ok || v != observe.Register {
		return observe.ID{}, ErrNotObservable
	}
	id, err := r.c.observes.Start(r.Msg, cancel)
	if err != nil {
		return observe.ID{}, err
	}
	r.observing, r.obsID = true, id
	return id, nil
}

// Respond 应答请求
// UDP的CON请求以携带响应的ACK应答，NON请求以NON应答；负载超过一个块时按Block2分块，
// 后续块请求由上下文直接应答
// 参数：code - 响应码，opts - 响应选项，w - 负载（可为nil）
func (r *IncomingRequest) Respond(code message.Code, opts message.Options, w block.PayloadWriter) error {
	if r.responded {
		return ErrAlreadyResponded
	}
	c := r.c

	resp := &message.Message{Code: code, Token: r.Msg.Token, Options: opts.Clone()}
	if r.observing {
		if seq, ok := c.observes.Sequence(r.obsID); ok {
			resp.Options.SetUint(message.Observe, seq)
		}
	}
	if w != nil {
		if err := r.fillPayload(resp, opts, w); err != nil {
			return err
		}
	}
	data, err := c.encodeResponse(r.Msg, resp)
	if err != nil {
		// 未发出任何数据：丢弃本次建立的续传上下文，请求仍可再次应答
		if st, ok := c.blocks.MatchServer(r.Msg); ok {
			c.blocks.EndServer(st.Key)
		}
		return err
	}
	r.responded = true
	return c.sendResponse(r.Msg, data)
}

// fillPayload 按请求的Block2选项与链路块大小填充负载
func (r *IncomingRequest) fillPayload(resp *message.Message, opts message.Options, w block.PayloadWriter) error {
	c := r.c
	szx, units := c.blockParams()
	want, has, err := block.Get(r.Msg.Options, message.Block2)
	if err != nil {
		return err
	}
	if has && want.SZX < szx {
		szx, units = want.SZX, 0
	}

	if has && want.Num > 0 {
		// 无续传上下文的后续块请求：直接读取所请求的块
		st := &block.ServerTransfer{Writer: w, SZX: szx, BERTUnits: units}
		chunk, bo, err := st.Block(want.Num, szx)
		if err != nil {
			return err
		}
		block.Set(&resp.Options, message.Block2, bo)
		resp.Payload = chunk
		return nil
	}

	chunk, bo, err := block.NewSender(w, 0).Next(szx, units)
	if err != nil {
		return err
	}
	if bo.More {
		_, err := c.blocks.StartServer(r.Msg, resp.Code, opts, w, szx, units, c.clock.Now().Add(c.blockLifetime()))
		if err != nil {
			return err
		}
		block.Set(&resp.Options, message.Block2, bo)
	}
	resp.Payload = chunk
	return nil
}

// handleRequest 处理收到的请求：去重、Block2续传、注销观察，再交给处理函数
func (c *Context) handleRequest(msg *message.Message) {
	now := c.clock.Now()
	if !c.reliable && msg.Type == message.Confirmable {
		if cached, dup := c.engine.CheckDuplicate("", msg.MessageID, now); dup {
			c.log.Debug("重复的CON请求", logger.Uint16("mid", msg.MessageID), logger.Int("cached", len(cached)))
			if len(cached) > 0 {
				if err := c.sock.Send(cached); err != nil {
					c.log.Debug("重发缓存的响应失败", logger.Err(err))
				}
			}
			return
		}
	}

	if b2, ok, err := block.Get(msg.Options, message.Block2); err == nil && ok && b2.Num > 0 {
		if st, found := c.blocks.MatchServer(msg); found {
			c.serveBlock(msg, st, b2)
			return
		}
	}

	if v, ok, err := msg.Options.GetUint(message.Observe); err == nil && ok && v == observe.Deregister {
		c.observes.HandleDeregister(msg.Token)
	}

	req := &IncomingRequest{Msg: msg, c: c}
	c.handler(req)
	if !req.responded {
		if req.observing {
			c.observes.Cancel(req.obsID)
			req.observing = false
		}
		if err := req.Respond(message.InternalServerError, nil, nil); err != nil {
			c.log.Warn("发送默认应答失败", logger.Err(err))
		}
	}
}

// serveBlock 由保存的续传上下文应答后续块请求
func (c *Context) serveBlock(req *message.Message, st *block.ServerTransfer, want block.Option) {
	resp := &message.Message{Code: st.Code, Token: req.Token, Options: st.RespOptions.Clone()}
	chunk, bo, err := st.Block(want.Num, want.SZX)
	if err != nil {
		c.log.Warn("读取续传块失败", logger.Err(err))
		resp = &message.Message{Code: message.InternalServerError, Token: req.Token}
	} else {
		block.Set(&resp.Options, message.Block2, bo)
		resp.Payload = chunk
		if !bo.More {
			c.blocks.EndServer(st.Key)
		}
	}
	if err := c.respond(req, resp); err != nil {
		c.log.Warn("应答续传块失败", logger.Err(err))
	}
}

// respond 发送对req的应答，UDP的CON应答被缓存用于去重
func (c *Context) respond(req, resp *message.Message) error {
	data, err := c.encodeResponse(req, resp)
	if err != nil {
		return err
	}
	return c.sendResponse(req, data)
}

// encodeResponse 按请求类型补全应答的类型与消息ID并编码
func (c *Context) encodeResponse(req, resp *message.Message) ([]byte, error) {
	if !c.reliable {
		if req.Type == message.Confirmable {
			resp.Type = message.Acknowledgement
			resp.MessageID = req.MessageID
		} else {
			resp.Type = message.NonConfirmable
			resp.MessageID = c.engine.NextMessageID()
		}
	}
	return c.encode(resp)
}

// sendResponse 发送已编码的应答，UDP的CON应答先写入去重缓存
func (c *Context) sendResponse(req *message.Message, data []byte) error {
	if !c.reliable && req.Type == message.Confirmable {
		if err := c.engine.StoreResponse("", req.MessageID, data, c.clock.Now()); err != nil {
			c.log.Debug("响应未缓存", logger.Err(err))
		}
	}
	return c.sock.Send(data)
}
