package accesskey

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/John-Robertt/sskeyring/internal/errs"
)

// FetchParams describes how to retrieve the online config behind a dynamic
// access key.
type FetchParams struct {
	Location   string
	HTTPMethod string

	// CertFingerprint pins the server certificate (ssconf:// fragment).
	// Empty means the system roots decide.
	CertFingerprint string
}

// FetchParamsOf derives the fetch descriptor of a dynamic key. https:// keys
// are fetched as-is. ssconf:// keys are rewritten to https:// and their
// fragment, which must never be sent to the server, becomes the certificate
// fingerprint.
func FetchParamsOf(accessKey string) (FetchParams, error) {
	switch {
	case strings.HasPrefix(accessKey, httpsPrefix):
		if _, err := parseLocation(accessKey); err != nil {
			return FetchParams{}, errs.ServerURLInvalid("invalid online config url", err)
		}
		return FetchParams{Location: accessKey, HTTPMethod: http.MethodGet}, nil
	case strings.HasPrefix(accessKey, ssconfPrefix):
		return parseOnlineConfigURL(accessKey)
	default:
		return FetchParams{}, errs.ServerURLInvalid("unrecognized dynamic access key scheme", nil)
	}
}

func parseOnlineConfigURL(accessKey string) (FetchParams, error) {
	u, err := parseLocation(httpsPrefix + strings.TrimPrefix(accessKey, ssconfPrefix))
	if err != nil {
		return FetchParams{}, errs.ServerURLInvalid("invalid ssconf url", err)
	}
	fingerprint := u.Fragment
	u.Fragment = ""
	u.RawFragment = ""
	return FetchParams{
		Location:        u.String(),
		HTTPMethod:      http.MethodGet,
		CertFingerprint: fingerprint,
	}, nil
}

func parseLocation(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}
