package model

import (
	"net"
	"strconv"
)

// ProxyConfig is the normalized Shadowsocks connection record an access key
// resolves to. Host, Port, Password and Method are required for a usable
// config; Name is display-only and may be changed without reconnecting.
type ProxyConfig struct {
	Host     string
	Port     int
	Password string
	Method   string
	Name     string
}

// Address returns host:port, bracketing IPv6 literals.
func (c ProxyConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SameProxy reports whether two configs proxy through the same endpoint with
// the same credentials. Name is ignored.
func (c ProxyConfig) SameProxy(o ProxyConfig) bool {
	return c.Host == o.Host && c.Port == o.Port && c.Password == o.Password && c.Method == o.Method
}
