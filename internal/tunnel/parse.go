package tunnel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// ParseForwardArg parses "localPort:remoteHost:remotePort" or
// "bindAddr:localPort:remoteHost:remotePort". A bind address of 0.0.0.0 or
// "*" means all interfaces.
func ParseForwardArg(s string) (model.ForwardSpec, error) {
	parts := strings.Split(s, ":")
	var bind string
	switch len(parts) {
	case 3:
	case 4:
		bind, parts = parts[0], parts[1:]
	default:
		return model.ForwardSpec{}, fmt.Errorf("forward format must be localPort:remoteHost:remotePort or bindAddr:localPort:remoteHost:remotePort")
	}
	lp, err := parsePort("local", parts[0])
	if err != nil {
		return model.ForwardSpec{}, err
	}
	rp, err := parsePort("remote", parts[2])
	if err != nil {
		return model.ForwardSpec{}, err
	}
	if parts[1] == "" {
		return model.ForwardSpec{}, fmt.Errorf("remote host is empty")
	}
	return model.ForwardSpec{
		LocalAddr:  normalizeBind(bind),
		LocalPort:  lp,
		RemoteAddr: parts[1],
		RemotePort: rp,
	}, nil
}

// ParseDynamicArg parses "port" or "bindAddr:port" for a SOCKS forward.
func ParseDynamicArg(s string) (model.ForwardSpec, error) {
	bind, port := "", s
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		bind, port = s[:i], s[i+1:]
	}
	lp, err := parsePort("local", port)
	if err != nil {
		return model.ForwardSpec{}, err
	}
	return model.ForwardSpec{LocalAddr: normalizeBind(bind), LocalPort: lp}, nil
}

// GatewayPorts reports whether the spec binds every interface.
func GatewayPorts(f model.ForwardSpec) bool {
	return f.LocalAddr == util.AnyHost
}

func parsePort(which, s string) (int, error) {
	p, err := util.ParsePort(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s port: %w", which, err)
	}
	return p, nil
}

func normalizeBind(bind string) string {
	switch bind {
	case "*", util.AnyHost:
		return util.AnyHost
	}
	return util.LoopbackHost
}
