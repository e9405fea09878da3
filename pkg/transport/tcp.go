package transport

import (
	"io"
	"net"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// TCPSocket TCP连接，实现api.Socket
// 接收得到的是字节流片段，由引擎负责分帧
type TCPSocket struct {
	base
	conn *net.TCPConn
}

var _ api.Socket = (*TCPSocket)(nil)

// NewTCPSocket 创建TCP套接字，需调用Connect后才能收发
func NewTCPSocket(opts Options) *TCPSocket {
	return &TCPSocket{base: newBase(opts)}
}

// Connect 连接到远端，失败时按指数退避重试
// 参数：host - 主机名或IP，port - 端口
// 返回：所有尝试都失败时返回最后一次错误
func (s *TCPSocket) Connect(host, port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyConnected
	}
	addr := net.JoinHostPort(host, port)
	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	if s.opts.LocalAddr != "" {
		laddr, err := net.ResolveTCPAddr("tcp", s.opts.LocalAddr)
		if err != nil {
			return errors.Wrapf(err, "解析本地地址%s失败", s.opts.LocalAddr)
		}
		dialer.LocalAddr = laddr
	}

	if s.opts.Interface != "" && s.opts.LocalAddr == "" {
		raddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "解析地址%s失败", addr)
		}
		info, ip, err := s.bindInterface(raddr.IP)
		if err != nil {
			return err
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip, Zone: zoneFor(ip, info)}
	}

	var conn net.Conn
	attempt := 0
	err := timer.ExponentialBackoff(s.opts.Clock, s.opts.Attempts, s.opts.RetryDelay, func() error {
		attempt++
		c, err := dialer.Dial("tcp", addr)
		if err != nil {
			s.opts.Log.Warn("TCP连接失败", logger.String("addr", addr), logger.Int("attempt", attempt), logger.Err(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "连接%s失败", addr)
	}

	tc := conn.(*net.TCPConn)
	if err := tc.SetNoDelay(true); err != nil {
		s.opts.Log.Warn("设置TCP_NODELAY失败", logger.Err(err))
	}
	raddr := tc.RemoteAddr().(*net.TCPAddr)
	s.conn = tc
	s.ipv6 = raddr.IP.To4() == nil
	s.state = api.SocketStateConnected
	s.applyHopLimit()

	s.opts.Log.Info("TCP连接已建立",
		logger.Stringer("local", tc.LocalAddr()),
		logger.Stringer("remote", raddr))
	return nil
}

func (s *TCPSocket) applyHopLimit() {
	hops := s.opts.HopLimit
	if hops <= 0 {
		return
	}
	var err error
	if s.ipv6 {
		err = ipv6.NewConn(s.conn).SetHopLimit(hops)
	} else {
		err = ipv4.NewConn(s.conn).SetTTL(hops)
	}
	if err != nil {
		s.opts.Log.Warn("设置跳数限制失败", logger.Int("hops", hops), logger.Err(err))
	}
}

// Send 写出全部数据
func (s *TCPSocket) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	n, err := conn.Write(data)
	s.mu.Lock()
	s.sent += n
	s.mu.Unlock()
	return errors.Wrap(err, "TCP发送失败")
}

// Receive 非阻塞读取字节流
// 返回：对端关闭连接时返回io.EOF
func (s *TCPSocket) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	n, err := readNonBlocking(conn, buf)
	switch {
	case errors.Is(err, api.ErrWouldBlock):
		return 0, err
	case err != nil:
		return 0, errors.Wrap(err, "TCP接收失败")
	case n == 0 && len(buf) > 0:
		s.mu.Lock()
		s.state = api.SocketStateClosed
		s.mu.Unlock()
		return 0, io.EOF
	}
	s.mu.Lock()
	s.recvd += n
	s.mu.Unlock()
	return n, nil
}

// Close 先关闭写方向再关闭连接，重复关闭为空操作
func (s *TCPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	var err error
	if cerr := s.conn.CloseWrite(); cerr != nil && s.state == api.SocketStateConnected {
		err = multierr.Append(err, errors.Wrap(cerr, "关闭写方向失败"))
	}
	err = multierr.Append(err, errors.Wrap(s.conn.Close(), "关闭TCP连接失败"))
	s.conn = nil
	s.state = api.SocketStateClosed
	return err
}

// GetOption 读取套接字选项
// TCP没有数据报大小限制，SocketOptionInnerMTU返回错误
func (s *TCPSocket) GetOption(opt api.SocketOption) (int, error) {
	return s.getOption(opt)
}

// SetOption 设置套接字选项
func (s *TCPSocket) SetOption(opt api.SocketOption, value int) error {
	return s.setOption(opt, value)
}

// LocalAddr 本地地址，未连接时返回nil
func (s *TCPSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
