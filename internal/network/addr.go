// Package network resolves what this machine advertises on the LAN.
package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Loopback is advertised when no routable IPv4 address is found.
const Loopback = "127.0.0.1"

// GetLocalIP returns the IPv4 address of the interface that routes to the
// internet. No packet is sent.
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || localAddr.IP.To4() == nil {
		return "", errors.New("network: no IPv4 route")
	}
	return localAddr.IP.String(), nil
}

// GetLocalIPs returns all available local IPv4 addresses
func GetLocalIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ips = append(ips, ipv4s(addrs)...)
	}
	return ips, nil
}

func ipv4s(addrs []net.Addr) []string {
	var out []string
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	return out
}

// PrimaryIP picks the address to advertise: the override when set, else the
// routed address, else the first interface address, else Loopback.
func PrimaryIP(override string) (string, error) {
	if override != "" {
		ip := net.ParseIP(override)
		if ip == nil || ip.To4() == nil {
			return "", fmt.Errorf("network: %q is not an IPv4 address", override)
		}
		return ip.To4().String(), nil
	}
	return primaryIP(GetLocalIP, GetLocalIPs), nil
}

func primaryIP(routed func() (string, error), all func() ([]string, error)) string {
	if ip, err := routed(); err == nil && ip != "" {
		return ip
	}
	if ips, err := all(); err == nil && len(ips) > 0 {
		return ips[0]
	}
	return Loopback
}

// DisplayName returns override, or the short host name.
func DisplayName(override string) string {
	if name := strings.TrimSpace(override); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "pointerlink"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}
