// Package accesskey parses, serializes and validates Shadowsocks access keys.
//
// Three schemes are recognized: ss:// keys are static and describe the proxy
// completely; https:// and ssconf:// keys are dynamic and point at an online
// config document that is fetched on connect.
package accesskey

import (
	"encoding/base64"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"

	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/model"
)

const (
	staticPrefix  = "ss://"
	httpsPrefix   = "https://"
	ssconfPrefix  = "ssconf://"
	outlineMarker = "outline=1"
)

// Parse decodes a static access key. Both the SIP002 form
// ss://<userinfo>@<host>:<port>[/][?query][#tag] and the legacy form
// ss://<b64(method:password@host:port)>[#tag] are accepted.
func Parse(accessKey string) (model.ProxyConfig, error) {
	cfg, err := parse(accessKey)
	if err != nil {
		return model.ProxyConfig{}, errs.ServerURLInvalid("", err)
	}
	return cfg, nil
}

func parse(s string) (model.ProxyConfig, error) {
	if !strings.HasPrefix(s, staticPrefix) {
		return model.ProxyConfig{}, errors.New("access key must start with ss://")
	}

	// Split fragment first: #name
	withoutFrag, frag, hasFrag := strings.Cut(s, "#")
	name := ""
	if hasFrag {
		decoded, err := url.PathUnescape(frag)
		if err != nil {
			return model.ProxyConfig{}, errors.New("tag is not valid percent-encoding")
		}
		name = decoded
	}

	withoutQuery, query, hasQuery := strings.Cut(withoutFrag, "?")
	if hasQuery {
		if err := checkQuery(query); err != nil {
			return model.ProxyConfig{}, err
		}
	}

	rest := strings.TrimPrefix(withoutQuery, staticPrefix)
	if rest == "" {
		return model.ProxyConfig{}, errors.New("missing content after ss://")
	}

	var method, password, hostPort string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		// SIP002: <userinfo>@<host>:<port>[/]
		userInfo := rest[:at]
		hostPort = rest[at+1:]
		if userInfo == "" || hostPort == "" {
			return model.ProxyConfig{}, errors.New("malformed ss uri")
		}
		if idx := strings.IndexByte(hostPort, '/'); idx >= 0 {
			// Only allow empty path or a single trailing "/".
			if hostPort[idx:] != "/" {
				return model.ProxyConfig{}, errors.New("path is not supported (only empty or /)")
			}
			hostPort = hostPort[:idx]
		}
		var err error
		method, password, err = decodeUserInfo(userInfo)
		if err != nil {
			return model.ProxyConfig{}, err
		}
	} else {
		// Legacy: <b64(method:password@host:port)>
		decoded, err := decodeB64ToString(strings.TrimSuffix(rest, "/"))
		if err != nil {
			return model.ProxyConfig{}, errors.New("invalid base64 in legacy ss uri")
		}
		if !utf8.ValidString(decoded) {
			return model.ProxyConfig{}, errors.New("legacy ss uri does not decode to utf-8")
		}
		at := strings.LastIndex(decoded, "@")
		if at < 0 {
			return model.ProxyConfig{}, errors.New("legacy ss uri is missing '@'")
		}
		hostPort = decoded[at+1:]
		method, password, err = splitMethodPassword(decoded[:at])
		if err != nil {
			return model.ProxyConfig{}, err
		}
	}

	host, port, err := parseHostPort(hostPort)
	if err != nil {
		return model.ProxyConfig{}, err
	}

	return model.ProxyConfig{
		Host:     host,
		Port:     port,
		Password: password,
		Method:   method,
		Name:     name,
	}, nil
}

// checkQuery accepts any key=value pair. SIP002 plugins use semicolons inside
// the "plugin" value, so net/url.ParseQuery cannot be used here.
func checkQuery(query string) error {
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if _, err := url.QueryUnescape(k); err != nil {
			return errors.New("query parameter is not valid percent-encoding")
		}
		if _, err := url.PathUnescape(v); err != nil {
			return errors.New("query parameter is not valid percent-encoding")
		}
	}
	return nil
}

// decodeUserInfo handles both base64 userinfo and the percent-encoded plain
// method:password form. Base64 padding may itself be percent-encoded.
func decodeUserInfo(userInfo string) (string, string, error) {
	plain, err := url.PathUnescape(userInfo)
	if err != nil {
		return "", "", errors.New("userinfo is not valid percent-encoding")
	}
	if decoded, err := decodeB64ToString(plain); err == nil && strings.Contains(decoded, ":") {
		return splitMethodPassword(decoded)
	}
	if !strings.Contains(plain, ":") {
		return "", "", errors.New("userinfo is neither base64 nor method:password")
	}
	return splitMethodPassword(plain)
}

func splitMethodPassword(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", errors.New("missing ':' between method and password")
	}
	method := s[:colon]
	password := s[colon+1:]
	if method == "" {
		return "", "", errors.New("empty method")
	}
	if password == "" {
		return "", "", errors.New("empty password")
	}
	if strings.ContainsAny(method, "\r\n\x00") {
		return "", "", errors.New("control chars in method")
	}
	return method, password, nil
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	if !govalidator.IsIP(host) && !govalidator.IsDNSName(host) {
		return "", 0, errors.New("invalid host " + strconv.Quote(host))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.New("invalid port " + strconv.Quote(portStr))
	}
	if port < 1 || port > 65535 {
		return "", 0, errors.New("port out of range")
	}
	return host, port, nil
}

func decodeB64ToString(s string) (string, error) {
	// Try standard alphabet (with padding) first, then URL-safe, then raw (no padding).
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return string(b), nil
		}
		lastErr = err
	}
	return "", lastErr
}
