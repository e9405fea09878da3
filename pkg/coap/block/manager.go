package block

import (
	"bytes"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
)

// ClientTransfer 客户端一次交换的块传输上下文（以交换ID为键）
type ClientTransfer struct {
	ExchangeID uint64
	Sender     *Sender   // 请求负载的Block1切块器，无负载时为nil
	Receiver   *Receiver // 响应负载的Block2重组器
	SZX        uint8     // 协商后的块大小指数
	BERTUnits  int       // BERT时每块单元数
	Block1     bool      // 请求是否以Block1分块发送
	Block2     bool      // 响应是否以Block2分块接收
}

// ServerTransfer 服务端Block2响应上下文：保存请求选项快照，用于应答后续块请求
type ServerTransfer struct {
	Key         uint64
	ReqCode     message.Code
	ReqOptions  message.Options // 原始请求选项快照
	Code        message.Code    // 响应码
	RespOptions message.Options // 响应选项（Content-Format、ETag等）
	Writer      PayloadWriter
	SZX         uint8
	BERTUnits   int
	Expires     time.Time
	scratch     []byte
}

// Block 读取指定块号的块
// 参数：num - 块号，szx - 请求方要求的块大小指数（不大于上下文中的SZX时生效）
// 返回：块数据（在下一次调用前有效）与块选项
func (st *ServerTransfer) Block(num uint32, szx uint8) ([]byte, Option, error) {
	if szx > st.SZX || (szx == BERTSZX) != (st.SZX == BERTSZX) {
		szx = st.SZX
	}
	size := blockBytes(szx, st.BERTUnits)
	if len(st.scratch) < size+1 {
		st.scratch = make([]byte, size+1)
	}
	offset := int(num) * Option{SZX: szx}.Size()
	chunk, more, err := readBlock(st.Writer, offset, size, st.scratch)
	if err != nil {
		return nil, Option{}, err
	}
	return chunk, Option{Num: num, More: more, SZX: szx}, nil
}

// ignoredForMatch 匹配后续块请求时忽略的选项
func ignoredForMatch(id message.OptionID) bool {
	switch id {
	case message.Observe, message.Block1, message.Block2, message.Size1, message.Size2:
		return true
	}
	return false
}

// sameRequest 比较两个选项集合（忽略块相关选项与Observe）
func sameRequest(a, b message.Options) bool {
	i, j := 0, 0
	for {
		for i < len(a) && ignoredForMatch(a[i].ID) {
			i++
		}
		for j < len(b) && ignoredForMatch(b[j].ID) {
			j++
		}
		if i == len(a) || j == len(b) {
			return i == len(a) && j == len(b)
		}
		if a[i].ID != b[j].ID || !bytes.Equal(a[i].Value, b[j].Value) {
			return false
		}
		i++
		j++
	}
}

// Manager 块传输上下文表，客户端与服务端表均有固定容量
type Manager struct {
	clients    map[uint64]*ClientTransfer
	maxClients int
	servers    []*ServerTransfer
	maxServers int
	nextKey    uint64
}

// NewManager 创建块传输管理器
// 参数：maxClients - 客户端上下文容量，maxServers - 服务端上下文容量
func NewManager(maxClients, maxServers int) *Manager {
	return &Manager{
		clients:    make(map[uint64]*ClientTransfer, maxClients),
		maxClients: maxClients,
		servers:    make([]*ServerTransfer, 0, maxServers),
		maxServers: maxServers,
	}
}

// StartClient 为交换创建客户端块上下文
// 参数：id - 交换ID，w - 请求负载（可为nil），respBuf - 响应重组缓冲区，szx/bertUnits - 首选块大小
func (m *Manager) StartClient(id uint64, w PayloadWriter, respBuf []byte, szx uint8, bertUnits int) (*ClientTransfer, error) {
	if _, ok := m.clients[id]; !ok && len(m.clients) >= m.maxClients {
		return nil, ErrNoSlot
	}
	ct := &ClientTransfer{
		ExchangeID: id,
		Receiver:   NewReceiver(respBuf),
		SZX:        szx,
		BERTUnits:  bertUnits,
	}
	if w != nil {
		ct.Sender = NewSender(w, blockBytes(szx, bertUnits))
	}
	m.clients[id] = ct
	return ct, nil
}

// Client 查找交换的块上下文
func (m *Manager) Client(id uint64) (*ClientTransfer, bool) {
	ct, ok := m.clients[id]
	return ct, ok
}

// EndClient 释放交换的块上下文，对不存在的ID为空操作
func (m *Manager) EndClient(id uint64) {
	delete(m.clients, id)
}

// ClientCount 当前客户端上下文数量
func (m *Manager) ClientCount() int { return len(m.clients) }

// StartServer 登记一个服务端Block2响应上下文
// 与已有上下文请求相同时替换旧上下文（如新通知覆盖旧通知）
func (m *Manager) StartServer(req *message.Message, code message.Code, respOpts message.Options,
	w PayloadWriter, szx uint8, bertUnits int, expires time.Time) (*ServerTransfer, error) {
	if old, ok := m.MatchServer(req); ok {
		m.EndServer(old.Key)
	}
	if len(m.servers) >= m.maxServers {
		return nil, ErrNoSlot
	}
	m.nextKey++
	st := &ServerTransfer{
		Key:         m.nextKey,
		ReqCode:     req.Code,
		ReqOptions:  req.Options.Clone(),
		Code:        code,
		RespOptions: respOpts.Clone(),
		Writer:      w,
		SZX:         szx,
		BERTUnits:   bertUnits,
		Expires:     expires,
	}
	m.servers = append(m.servers, st)
	return st, nil
}

// MatchServer 查找与后续块请求匹配的服务端上下文
func (m *Manager) MatchServer(req *message.Message) (*ServerTransfer, bool) {
	for _, st := range m.servers {
		if st.ReqCode == req.Code && sameRequest(st.ReqOptions, req.Options) {
			return st, true
		}
	}
	return nil, false
}

// EndServer 释放服务端上下文
func (m *Manager) EndServer(key uint64) {
	for i, st := range m.servers {
		if st.Key == key {
			copy(m.servers[i:], m.servers[i+1:])
			m.servers[len(m.servers)-1] = nil
			m.servers = m.servers[:len(m.servers)-1]
			return
		}
	}
}

// ServerCount 当前服务端上下文数量
func (m *Manager) ServerCount() int { return len(m.servers) }

// Expire 释放已过期的服务端上下文
func (m *Manager) Expire(now time.Time) {
	n := 0
	for _, st := range m.servers {
		if now.Before(st.Expires) {
			m.servers[n] = st
			n++
		}
	}
	for i := n; i < len(m.servers); i++ {
		m.servers[i] = nil
	}
	m.servers = m.servers[:n]
}

// NextExpiry 最早的服务端上下文过期时间
func (m *Manager) NextExpiry() (time.Time, bool) {
	var t time.Time
	for _, st := range m.servers {
		if t.IsZero() || st.Expires.Before(t) {
			t = st.Expires
		}
	}
	return t, !t.IsZero()
}

// Close 清空所有上下文
func (m *Manager) Close() {
	for id := range m.clients {
		delete(m.clients, id)
	}
	for i := range m.servers {
		m.servers[i] = nil
	}
	m.servers = m.servers[:0]
}
