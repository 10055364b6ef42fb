package client

import (
	"net"
	"strconv"
	"strings"

	"pkt.systems/gridlock/api"
)

// DefaultPort is the lock server's well-known TCP port.
const DefaultPort = 8168

// ServerAddr normalises a host[:port] server string into host:port, applying
// DefaultPort when none is given.
func ServerAddr(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", api.Errorf(api.KindPreconditionViolated, "config.server", "server address required")
	}
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(server, "["), "]")
		if strings.Contains(host, ":") && !strings.HasPrefix(server, "[") {
			return "", api.Errorf(api.KindPreconditionViolated, "config.server", "invalid server address %q", server)
		}
		port = strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return "", api.Errorf(api.KindPreconditionViolated, "config.server", "server address %q has no host", server)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", api.Errorf(api.KindPreconditionViolated, "config.server", "invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}
