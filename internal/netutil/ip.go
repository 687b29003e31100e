// Package netutil provides network helpers for printing reachable API addresses
package netutil

import (
	"net"
)

// GetBestLocalIP tries to find the outbound IPv4 address of this host.
// It asks the kernel which local address would route to a public resolver (no packet is
// sent), then falls back to the first non-loopback interface address.
//
// Returns "127.0.0.1" if no suitable IP address is found.
func GetBestLocalIP() string {
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
			return addr.IP.String()
		}
	}

	interfaces, _ := net.Interfaces()
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					return ipnet.IP.String()
				}
			}
		}
	}

	return "127.0.0.1"
}

// DisplayAddr rewrites a listen address such as 0.0.0.0:9290 or [::]:9290 into one a
// browser on the LAN can open. Specific hosts are returned unchanged.
func DisplayAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = GetBestLocalIP()
	}
	return net.JoinHostPort(host, port)
}
