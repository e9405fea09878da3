//go:build unix

package transport

import (
	"net"
	"syscall"

	"github.com/junbin-yang/lwm2m-coap-go/api"
)

// readNonBlocking 直接对底层描述符执行一次read，不等待可读事件
// 返回：无数据时返回api.ErrWouldBlock
func readNonBlocking(c net.Conn, buf []byte) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return readWithDeadline(c, buf)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n    int
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, rerr = syscall.Read(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch rerr {
	case nil:
		return n, nil
	case syscall.EAGAIN, syscall.EINTR:
		return 0, api.ErrWouldBlock
	}
	return 0, rerr
}
