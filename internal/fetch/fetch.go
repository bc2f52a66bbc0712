// Package fetch retrieves online config documents over HTTP(S).
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/model"
)

const stage = "fetch_config"

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default 1 MiB
	MaxRedirects int           // default 5

	// Transport overrides http.DefaultTransport. When the fetch pins a
	// certificate it must be an *http.Transport so TLS settings can be applied
	// to a clone.
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 5
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 * 1024 * 1024
	}
	return o
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
	errCertMismatch       = errors.New("server certificate does not match pinned fingerprint")
)

func newFetchError(status int, code, message, rawURL string, cause error) *FetchError {
	return &FetchError{
		Status: status,
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

func Fetch(ctx context.Context, params accesskey.FetchParams) ([]byte, error) {
	return FetchWithOptions(ctx, params, Options{})
}

func FetchWithOptions(ctx context.Context, params accesskey.FetchParams, opt Options) ([]byte, error) {
	opt = opt.withDefaults()
	rawURL := params.Location

	if opt.MaxBytes <= 0 {
		return nil, newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "max bytes must be positive", rawURL, nil)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "only http/https locations are allowed", rawURL, errors.Join(errInvalidURLOrScheme, err))
	}

	transport, err := buildTransport(opt.Transport, params.CertFingerprint)
	if err != nil {
		return nil, newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "invalid certificate fingerprint", rawURL, err)
	}

	maxRedirects := opt.MaxRedirects
	client := &http.Client{
		Timeout:   opt.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 1st redirect => len(via)==1, 5th redirect => len(via)==5.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	method := params.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request", rawURL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		// CheckRedirect sentinel errors.
		if errors.Is(err, errTooManyRedirects) {
			return nil, newFetchError(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("too many redirects (>%d)", maxRedirects), rawURL, err)
		}
		if errors.Is(err, errRedirectBadScheme) {
			return nil, newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "redirect target must be http/https", rawURL, err)
		}
		if errors.Is(err, errCertMismatch) {
			return nil, newFetchError(http.StatusBadGateway, "FETCH_CERT_MISMATCH", "certificate fingerprint mismatch", rawURL, err)
		}

		// Timeout detection: Go may wrap errors (e.g. *url.Error).
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return nil, newFetchError(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "timed out fetching online config", rawURL, err)
		}

		return nil, newFetchError(http.StatusBadGateway, "FETCH_FAILED", "failed to fetch online config", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newFetchError(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("HTTP status code %d", resp.StatusCode), rawURL, nil)
	}

	// Read at most MaxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, opt.MaxBytes+1))
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, newFetchError(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "timed out fetching online config", rawURL, err)
		}
		return nil, newFetchError(http.StatusBadGateway, "FETCH_FAILED", "failed to read response body", rawURL, err)
	}
	if int64(len(body)) > opt.MaxBytes {
		return nil, newFetchError(http.StatusUnprocessableEntity, "TOO_LARGE", fmt.Sprintf("online config too large (>%d bytes)", opt.MaxBytes), rawURL, nil)
	}
	if !utf8.Valid(body) {
		return nil, newFetchError(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "online config is not valid UTF-8", rawURL, nil)
	}
	return body, nil
}

func buildTransport(base http.RoundTripper, fingerprint string) (http.RoundTripper, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if fingerprint == "" {
		return base, nil
	}
	want, err := decodeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	ht, ok := base.(*http.Transport)
	if !ok {
		return nil, errors.New("certificate pinning requires an *http.Transport")
	}
	t := ht.Clone()
	var tlsConf *tls.Config
	if t.TLSClientConfig != nil {
		tlsConf = t.TLSClientConfig.Clone()
	} else {
		tlsConf = &tls.Config{}
	}
	// The pin replaces chain verification: pinned servers are usually self-signed.
	tlsConf.InsecureSkipVerify = true
	tlsConf.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errCertMismatch
		}
		got := sha256.Sum256(cs.PeerCertificates[0].Raw)
		if !bytes.Equal(got[:], want) {
			return errCertMismatch
		}
		return nil
	}
	t.TLSClientConfig = tlsConf
	return t, nil
}

// decodeFingerprint accepts a SHA-256 digest as hex (colons optional) or
// base64 in either alphabet.
func decodeFingerprint(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(strings.ReplaceAll(s, ":", "")); err == nil && len(b) == sha256.Size {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == sha256.Size {
			return b, nil
		}
	}
	return nil, fmt.Errorf("fingerprint %q is not a SHA-256 digest", s)
}
