package transport

import (
	"net"

	"github.com/pkg/errors"
)

// InterfaceInfo 网络接口信息
type InterfaceInfo struct {
	Name      string    // 接口名称（如eth0、lo等）
	Index     int       // 系统分配的接口索引
	Flags     net.Flags // 接口标志
	Addresses []net.IP  // 接口上的IP地址
	MTU       int       // 接口MTU
}

// Up 接口是否已启用
func (i InterfaceInfo) Up() bool { return i.Flags&net.FlagUp != 0 }

// Loopback 是否为回环接口
func (i InterfaceInfo) Loopback() bool { return i.Flags&net.FlagLoopback != 0 }

// Addr 选择接口上指定地址族的地址，优先非链路本地地址
// 参数：ipv6 - true选择IPv6地址，false选择IPv4地址
func (i InterfaceInfo) Addr(ipv6 bool) (net.IP, bool) {
	var fallback net.IP
	for _, ip := range i.Addresses {
		if (ip.To4() == nil) != ipv6 {
			continue
		}
		if !ip.IsLinkLocalUnicast() {
			return ip, true
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback, fallback != nil
}

// Interfaces 扫描本机网络接口
// 单个接口的地址读取失败时跳过该接口
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "获取接口列表失败")
	}
	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info, err := interfaceInfo(iface)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// LookupInterface 按名称查找接口
func LookupInterface(name string) (InterfaceInfo, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return InterfaceInfo{}, errors.Wrapf(err, "未找到接口%s", name)
	}
	return interfaceInfo(*iface)
}

func interfaceInfo(iface net.Interface) (InterfaceInfo, error) {
	info := InterfaceInfo{
		Name:  iface.Name,
		Index: iface.Index,
		Flags: iface.Flags,
		MTU:   iface.MTU,
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return info, errors.Wrapf(err, "获取接口%s地址失败", iface.Name)
	}
	for _, addr := range addrs {
		switch v := addr.(type) {
		case *net.IPNet:
			info.Addresses = append(info.Addresses, v.IP)
		case *net.IPAddr:
			info.Addresses = append(info.Addresses, v.IP)
		}
	}
	return info, nil
}
