package accesskey

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/shadowsocks/go-shadowsocks2/core"
	"golang.org/x/exp/slices"

	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/model"
)

// SupportedCiphers is the AEAD allow-list. Servers advertising any other
// cipher are rejected even when the tunnel could speak it.
var SupportedCiphers = []string{
	"chacha20-ietf-poly1305",
	"aes-128-gcm",
	"aes-192-gcm",
	"aes-256-gcm",
}

func IsCipherSupported(method string) bool {
	return method != "" && slices.Contains(SupportedCiphers, method)
}

// CipherCheck fails unless cfg's method is allow-listed and a cipher can
// actually be derived from its password.
func CipherCheck(cfg model.ProxyConfig) error {
	if !IsCipherSupported(cfg.Method) {
		return errs.UnsupportedCipher(cfg.Method)
	}
	if _, err := core.PickCipher(strings.ToUpper(cfg.Method), nil, cfg.Password); err != nil {
		return fmt.Errorf("build %s cipher: %w", cfg.Method, err)
	}
	return nil
}

// IsStatic and IsDynamic are mutually exclusive; a key with an unknown scheme
// is neither.
func IsStatic(accessKey string) bool {
	return strings.HasPrefix(accessKey, staticPrefix)
}

func IsDynamic(accessKey string) bool {
	return strings.HasPrefix(accessKey, httpsPrefix) || strings.HasPrefix(accessKey, ssconfPrefix)
}

// IsOutline reports the advisory outline=1 tag. It carries no proxying
// semantics.
func IsOutline(accessKey string) bool {
	return strings.Contains(accessKey, outlineMarker)
}

// Serialize encodes cfg as a SIP002 access key. It is the inverse of Parse
// for host, port, method, password and name.
func Serialize(cfg model.ProxyConfig) string {
	var b strings.Builder
	b.WriteString(staticPrefix)
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(cfg.Method + ":" + cfg.Password)))
	b.WriteByte('@')
	b.WriteString(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	b.WriteByte('/')
	if cfg.Name != "" {
		b.WriteByte('#')
		b.WriteString(url.PathEscape(cfg.Name))
	}
	return b.String()
}

// Validate checks a key without touching the network. Dynamic keys only need
// a derivable fetch descriptor. Static keys must parse, must not use an IPv6
// host and must use an allow-listed cipher, checked in that order.
func Validate(accessKey string) error {
	if IsDynamic(accessKey) {
		_, err := FetchParamsOf(accessKey)
		return err
	}
	cfg, err := Parse(accessKey)
	if err != nil {
		return err
	}
	if govalidator.IsIPv6(cfg.Host) {
		return errs.ServerIncompatible("unsupported IPv6 host address")
	}
	if !IsCipherSupported(cfg.Method) {
		return errs.UnsupportedCipher(cfg.Method)
	}
	return nil
}

// Equivalent reports whether two keys proxy the same way. Identical strings
// are always equivalent (this is the only way dynamic keys match); otherwise
// both are parsed and compared on host, port, password and method. A key
// that fails to parse is never equivalent to a different string.
func Equivalent(a, b string) bool {
	if a == b {
		return true
	}
	l, err := Parse(a)
	if err != nil {
		return false
	}
	r, err := Parse(b)
	if err != nil {
		return false
	}
	return l.SameProxy(r)
}
