package whip

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// URI locates a WHIP server: whip://<password>@<host>:<port>
type URI struct {
	Password string
	Host     string
	Port     uint16
}

func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(s, "whip://")
	if !ok {
		return URI{}, fmt.Errorf("invalid whip URL %q: must start with whip://", s)
	}
	pass, hostPort, ok := strings.Cut(rest, "@")
	if !ok || strings.Contains(hostPort, "@") {
		return URI{}, fmt.Errorf("invalid whip URL %q: expected exactly one @", s)
	}
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok || host == "" || strings.Contains(portStr, ":") {
		return URI{}, fmt.Errorf("invalid whip URL %q: expected host:port after @", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return URI{}, fmt.Errorf("invalid whip URL %q: port: %w", s, err)
	}
	return URI{Password: pass, Host: host, Port: uint16(port)}, nil
}

func (u URI) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port)))
}

// String renders the URI with the password masked.
func (u URI) String() string {
	return "whip://***@" + u.Addr()
}
