package postgres

import (
	"net"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
)

func platformFrom(s string) auth.Platform {
	return auth.Platform(s)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
