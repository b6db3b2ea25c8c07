// Package httpclient is the generic HTTP implementation of the Host
// Client contract. It treats Resolve/Login/Refresh as configurable
// JSON calls against a base URL, since the real host's wire protocol
// is proprietary and out of this repository's scope; only FetchRange's
// semantics (a byte-range GET) are fixed.
package httpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"
	"golang.org/x/net/proxy"

	"github.com/flasharr/flasharr/internal/hostclient"
	"github.com/flasharr/flasharr/internal/logging"
)

var log = logging.For("hostclient")

// Options configures the adapter.
type Options struct {
	BaseURL            string
	UserAgent          string
	ProxyURL           string
	SkipTLSVerify      bool
	ConnectTimeout     time.Duration
	ResolvePath        string // e.g. "/api/resolve"
	LoginPath          string // e.g. "/api/login"
	RefreshPath        string // e.g. "/api/refresh"
}

// Adapter is the generic HTTP Host Client implementation.
type Adapter struct {
	opts   Options
	client *http.Client
}

// New builds an Adapter with the configured proxy (HTTP or SOCKS5),
// TLS verification setting and connect timeout.
func New(opts Options) (*Adapter, error) {
	netDialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{DialContext: netDialer.DialContext}

	if opts.ProxyURL != "" {
		parsed, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpclient: invalid proxy url: %w", err)
		}
		if strings.HasPrefix(parsed.Scheme, "socks5") {
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, netDialer)
			if err != nil {
				return nil, fmt.Errorf("httpclient: socks5 dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		} else {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	if opts.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{
		Timeout:   0, // range fetches can be long-lived; callers bound with context
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("httpclient: stopped after 10 redirects")
			}
			if len(via) > 0 {
				for key, vals := range via[0].Header {
					if key == "Range" {
						continue
					}
					req.Header[key] = vals
				}
			}
			return nil
		},
	}

	return &Adapter{opts: opts, client: client}, nil
}

func (a *Adapter) userAgent() string {
	if a.opts.UserAgent != "" {
		return a.opts.UserAgent
	}
	return "Flasharr/1.0"
}

// resolveEntry is one file's worth of the resolve endpoint's JSON
// shape; a real host integration supplies this mapping via config.
type resolveEntry struct {
	DirectURL     string                 `json:"direct_url"`
	Filename      string                 `json:"filename"`
	TotalBytes    int64                  `json:"total_bytes"`
	SupportsRange bool                   `json:"supports_range"`
	ExpiresAt     time.Time              `json:"expires_at"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// resolveResponse accepts either a single-file resolveEntry inline, or
// (for a folder URL) an Entries list with one resolveEntry per file.
type resolveResponse struct {
	resolveEntry
	Entries []resolveEntry `json:"entries"`
}

func (a *Adapter) Resolve(ctx context.Context, sharedURL, sessionToken string) ([]hostclient.ResolveResult, error) {
	reqBody, _ := json.Marshal(map[string]string{"url": sharedURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+a.opts.ResolvePath, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.userAgent())
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hostclient.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding resolve response: %v", hostclient.ErrPermanent, err)
	}

	entries := body.Entries
	if len(entries) == 0 {
		entries = []resolveEntry{body.resolveEntry}
	}

	results := make([]hostclient.ResolveResult, 0, len(entries))
	for _, e := range entries {
		filename := e.Filename
		if filename == "" && len(entries) == 1 {
			if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
				filename = name
			}
		}
		results = append(results, hostclient.ResolveResult{
			DirectURL:      e.DirectURL,
			Filename:       filename,
			TotalBytes:     e.TotalBytes,
			SupportsRange:  e.SupportsRange,
			ExpiresAt:      e.ExpiresAt,
			SourceMetadata: e.Metadata,
		})
	}
	return results, nil
}

func (a *Adapter) FetchRange(ctx context.Context, directURL, sessionToken string, offset, length int64) (*hostclient.RangeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", a.userAgent())
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hostclient.ErrNetworkTransient, err)
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, hostclient.ErrLinkExpired
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, hostclient.ErrAuthExpired
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: unexpected status %d", hostclient.ErrPermanent, resp.StatusCode)
	}

	return &hostclient.RangeResult{Body: resp.Body, Offset: offset, Length: length}, nil
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *Adapter) Login(ctx context.Context, email string, secret []byte) (*hostclient.Session, error) {
	return a.authCall(ctx, a.opts.LoginPath, map[string]string{
		"email":    email,
		"password": string(secret),
	})
}

func (a *Adapter) Refresh(ctx context.Context, email string, currentToken string) (*hostclient.Session, error) {
	return a.authCall(ctx, a.opts.RefreshPath, map[string]string{
		"email": email,
		"token": currentToken,
	})
}

func (a *Adapter) authCall(ctx context.Context, path string, payload map[string]string) (*hostclient.Session, error) {
	data, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+path, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.userAgent())

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hostclient.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding auth response: %v", hostclient.ErrPermanent, err)
	}

	log.Debug().Str("event", "session_refreshed").Msg("host session established")
	return &hostclient.Session{Token: body.Token, ExpiresAt: body.ExpiresAt}, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return hostclient.ErrAuthExpired
	case code == http.StatusPaymentRequired || code == http.StatusTooManyRequests:
		return hostclient.ErrQuotaExceeded
	case code == http.StatusNotFound || code == http.StatusGone:
		return hostclient.ErrNotFound
	case code >= 500:
		return hostclient.ErrNetworkTransient
	case code >= 400:
		return hostclient.ErrPermanent
	default:
		return nil
	}
}
