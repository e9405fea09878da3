//go:build !unix

package transport

import "net"

func readNonBlocking(c net.Conn, buf []byte) (int, error) {
	return readWithDeadline(c, buf)
}
