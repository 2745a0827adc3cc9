package util

import (
	"net"
	"strconv"
	"strings"
)

const (
	LoopbackHost = "127.0.0.1"
	AnyHost      = "0.0.0.0"
)

// NormalizeAddr returns addr trimmed, or fallback when addr is blank.
//
//	NormalizeAddr("",         "127.0.0.1") → "127.0.0.1"
//	NormalizeAddr("10.0.0.1", "localhost") → "10.0.0.1"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// BindHost picks the listen interface for a forward.
func BindHost(gatewayPorts bool) string {
	if gatewayPorts {
		return AnyHost
	}
	return LoopbackHost
}

// JoinHostPort is net.JoinHostPort with an int port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
