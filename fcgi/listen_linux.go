//go:build linux

package fcgi

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenSocket creates the listening socket by hand so the configured backlog
// reaches listen(2) unchanged. net.Listen always uses the kernel maximum.
func listenSocket(network, addr string, backlog int) (net.Listener, error) {
	var (
		domain int
		sa     unix.Sockaddr
	)
	switch network {
	case "unix":
		domain = unix.AF_UNIX
		sa = &unix.SockaddrUnix{Name: addr}
	case "tcp":
		tcp, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		if ip4 := tcp.IP.To4(); tcp.IP == nil || ip4 != nil {
			domain = unix.AF_INET
			s := &unix.SockaddrInet4{Port: tcp.Port}
			if ip4 != nil {
				copy(s.Addr[:], ip4)
			}
			sa = s
		} else {
			domain = unix.AF_INET6
			s := &unix.SockaddrInet6{Port: tcp.Port}
			copy(s.Addr[:], tcp.IP.To16())
			sa = s
		}
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return nil, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	// FileListener dups the descriptor; the original is closed with f.
	f := os.NewFile(uintptr(fd), "fcgi-listener")
	defer f.Close()
	return net.FileListener(f)
}
