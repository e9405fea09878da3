// Package transport 提供api.Socket的UDP与TCP实现
//
// 接收始终是非阻塞的：没有数据时返回api.ErrWouldBlock，由调用方自行等待可读事件
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

const (
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
	udpHeaderSize  = 8
	minMTU         = 64
	defaultMTU     = 1280
	// pollDelay 不支持原始非阻塞读的平台上使用的读超时
	pollDelay = time.Millisecond
)

var (
	ErrNotConnected      = errors.New("transport: socket not connected")
	ErrAlreadyConnected  = errors.New("transport: socket already connected")
	ErrUnsupportedOption = errors.New("transport: unsupported socket option")
)

// Options 套接字参数
type Options struct {
	LocalAddr   string          // 本地绑定地址，空表示由系统分配
	Interface   string          // 绑定的网络接口名，LocalAddr为空时取该接口上与远端同族的地址
	MTU         int             // 链路MTU，0表示取接口MTU（未指定接口时为1280）
	HopLimit    int             // 单播TTL或IPv6跳数限制，0保持系统默认
	DialTimeout time.Duration   // 单次TCP连接超时
	Attempts    int             // TCP连接最大尝试次数（含首次）
	RetryDelay  time.Duration   // TCP首次重试前的等待，之后每次翻倍
	Clock       clockwork.Clock // 重试等待使用的时钟
	Log         *logger.Logger
}

// DefaultOptions 默认套接字参数
func DefaultOptions() Options {
	return Options{
		DialTimeout: 10 * time.Second,
		Attempts:    3,
		RetryDelay:  500 * time.Millisecond,
	}
}

// normalize 补全默认值
// 返回：MTU是否由默认值填充（之后可被接口MTU替换）
func (o *Options) normalize() bool {
	def := DefaultOptions()
	autoMTU := o.MTU < minMTU
	if autoMTU {
		o.MTU = defaultMTU
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = def.Attempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = logger.Default()
	}
	return autoMTU
}

// base UDP与TCP共用的状态与选项处理
type base struct {
	mu      sync.Mutex
	opts    Options
	autoMTU bool
	state   api.SocketState
	ipv6    bool
	sent    int
	recvd   int
}

func newBase(opts Options) base {
	autoMTU := opts.normalize()
	return base{opts: opts, autoMTU: autoMTU}
}

// bindInterface 解析Options.Interface上与远端同族的本地地址
// 返回：未指定接口或已指定LocalAddr时返回nil；MTU未显式配置时改用接口MTU
func (b *base) bindInterface(remote net.IP) (*InterfaceInfo, net.IP, error) {
	if b.opts.Interface == "" || b.opts.LocalAddr != "" {
		return nil, nil, nil
	}
	info, err := LookupInterface(b.opts.Interface)
	if err != nil {
		return nil, nil, err
	}
	ip, ok := info.Addr(remote.To4() == nil)
	if !ok {
		return nil, nil, errors.Errorf("接口%s上没有与%s同族的地址", info.Name, remote)
	}
	if b.autoMTU && info.MTU >= minMTU {
		b.opts.MTU = info.MTU
	}
	return &info, ip, nil
}

// zoneFor 链路本地地址需要带上接口名作为zone
func zoneFor(ip net.IP, info *InterfaceInfo) string {
	if info != nil && ip.IsLinkLocalUnicast() && ip.To4() == nil {
		return info.Name
	}
	return ""
}

func (b *base) getOption(opt api.SocketOption) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch opt {
	case api.SocketOptionMTU:
		return b.opts.MTU, nil
	case api.SocketOptionState:
		return int(b.state), nil
	case api.SocketOptionRecvTimeout:
		return 0, nil
	case api.SocketOptionBytesSent:
		return b.sent, nil
	case api.SocketOptionBytesRecvd:
		return b.recvd, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedOption, "option %d", opt)
}

func (b *base) setOption(opt api.SocketOption, value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch opt {
	case api.SocketOptionMTU:
		if value < minMTU {
			return errors.Errorf("transport: mtu %d too small", value)
		}
		b.opts.MTU = value
		return nil
	case api.SocketOptionRecvTimeout:
		if value != 0 {
			return errors.New("transport: only non-blocking receive is supported")
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedOption, "option %d", opt)
}

// readWithDeadline 以极短的读超时模拟非阻塞读
func readWithDeadline(c net.Conn, buf []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(pollDelay)); err != nil {
		return 0, err
	}
	n, err := c.Read(buf)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 0, api.ErrWouldBlock
	}
	return n, err
}
