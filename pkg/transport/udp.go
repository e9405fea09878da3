package transport

import (
	"net"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// UDPSocket 已连接的UDP套接字，实现api.Socket
type UDPSocket struct {
	base
	conn *net.UDPConn
}

var _ api.Socket = (*UDPSocket)(nil)

// NewUDPSocket 创建UDP套接字，需调用Connect后才能收发
func NewUDPSocket(opts Options) *UDPSocket {
	return &UDPSocket{base: newBase(opts)}
}

// Connect 连接到远端，之后只接收该远端的数据报
// 参数：host - 主机名或IP，port - 端口
func (s *UDPSocket) Connect(host, port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyConnected
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return errors.Wrapf(err, "解析地址%s失败", net.JoinHostPort(host, port))
	}
	var laddr *net.UDPAddr
	if s.opts.LocalAddr != "" {
		if laddr, err = net.ResolveUDPAddr("udp", s.opts.LocalAddr); err != nil {
			return errors.Wrapf(err, "解析本地地址%s失败", s.opts.LocalAddr)
		}
	}
	info, ip, err := s.bindInterface(raddr.IP)
	if err != nil {
		return err
	}
	if ip != nil {
		laddr = &net.UDPAddr{IP: ip, Zone: zoneFor(ip, info)}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return errors.Wrapf(err, "连接%s失败", raddr)
	}
	s.conn = conn
	s.ipv6 = raddr.IP.To4() == nil
	s.state = api.SocketStateConnected
	s.applyHopLimit(raddr.IP)
	if info != nil && raddr.IP.IsMulticast() {
		s.applyMulticastInterface(info)
	}

	s.opts.Log.Info("UDP套接字已连接",
		logger.Stringer("local", conn.LocalAddr()),
		logger.Stringer("remote", raddr))
	return nil
}

// applyHopLimit 设置单播TTL/跳数限制；远端为组播地址时设置组播跳数
func (s *UDPSocket) applyHopLimit(ip net.IP) {
	hops := s.opts.HopLimit
	if hops <= 0 {
		return
	}
	var err error
	if s.ipv6 {
		pc := ipv6.NewPacketConn(s.conn)
		if ip.IsMulticast() {
			err = pc.SetMulticastHopLimit(hops)
		} else {
			err = pc.SetHopLimit(hops)
		}
	} else {
		pc := ipv4.NewPacketConn(s.conn)
		if ip.IsMulticast() {
			err = pc.SetMulticastTTL(hops)
		} else {
			err = pc.SetTTL(hops)
		}
	}
	if err != nil {
		s.opts.Log.Warn("设置跳数限制失败", logger.Int("hops", hops), logger.Err(err))
	}
}

// applyMulticastInterface 远端为组播地址时指定出接口
func (s *UDPSocket) applyMulticastInterface(info *InterfaceInfo) {
	iface, err := net.InterfaceByIndex(info.Index)
	if err == nil {
		if s.ipv6 {
			err = ipv6.NewPacketConn(s.conn).SetMulticastInterface(iface)
		} else {
			err = ipv4.NewPacketConn(s.conn).SetMulticastInterface(iface)
		}
	}
	if err != nil {
		s.opts.Log.Warn("设置组播出接口失败", logger.String("interface", info.Name), logger.Err(err))
	}
}

// Send 发送一个完整的数据报
func (s *UDPSocket) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	n, err := conn.Write(data)
	if err != nil {
		return errors.Wrap(err, "UDP发送失败")
	}
	s.mu.Lock()
	s.sent += n
	s.mu.Unlock()
	return nil
}

// Receive 非阻塞接收一个数据报，buf不足时超出部分被丢弃
func (s *UDPSocket) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	n, err := readNonBlocking(conn, buf)
	if err != nil {
		if errors.Is(err, api.ErrWouldBlock) {
			return 0, err
		}
		return 0, errors.Wrap(err, "UDP接收失败")
	}
	s.mu.Lock()
	s.recvd += n
	s.mu.Unlock()
	return n, nil
}

// Close 关闭套接字，重复关闭为空操作
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.state = api.SocketStateClosed
	return errors.Wrap(err, "关闭UDP套接字失败")
}

// GetOption 读取套接字选项
// SocketOptionInnerMTU为MTU扣除IP与UDP头后的大小
func (s *UDPSocket) GetOption(opt api.SocketOption) (int, error) {
	if opt != api.SocketOptionInnerMTU {
		return s.getOption(opt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	header := ipv4HeaderSize + udpHeaderSize
	if s.ipv6 {
		header = ipv6HeaderSize + udpHeaderSize
	}
	return s.opts.MTU - header, nil
}

// SetOption 设置套接字选项
func (s *UDPSocket) SetOption(opt api.SocketOption, value int) error {
	return s.setOption(opt, value)
}

// LocalAddr 本地地址，未连接时返回nil
func (s *UDPSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
