package scraper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"insta-notifier/credentials"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	appID          = "936619743392459"
	maxBodyBytes   = 8 << 20
	mobileAgent    = "Instagram 273.0.0.16.70 Android (33/13; 420dpi; 1080x2340; samsung; SM-G991B; o1s; exynos2100; en_US; 454209296)"
	desktopAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultTimeout = 15 * time.Second
)

// Endpoints are the upstream base URLs. Tests point them at httptest servers.
type Endpoints struct {
	MobileAPI  string // Mobile API host
	DesktopAPI string // Web API host
	Web        string // Public profile pages
	OEmbed     string // Public metadata lookup
}

// DefaultEndpoints are the production hosts.
var DefaultEndpoints = Endpoints{
	MobileAPI:  "https://i.instagram.com",
	DesktopAPI: "https://www.instagram.com",
	Web:        "https://www.instagram.com",
	OEmbed:     "https://www.instagram.com",
}

// Config configures the upstream clients.
type Config struct {
	Endpoints         Endpoints
	Timeout           time.Duration // Per request
	MinRequestSpacing time.Duration // Minimum gap between any two upstream requests
	SnapshotMaxBytes  int
}

// upstream is shared by all strategies: one pacing limiter, one API client,
// and one IPv4-only client for public pages.
type upstream struct {
	api       *http.Client
	web       *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	endpoints Endpoints
	timeout   time.Duration
}

func newUpstream(cfg Config, logger *slog.Logger) (*upstream, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	limit := rate.Inf
	if cfg.MinRequestSpacing > 0 {
		limit = rate.Every(cfg.MinRequestSpacing)
	}

	return &upstream{
		api: &http.Client{Timeout: cfg.Timeout},
		web: &http.Client{
			Timeout:   cfg.Timeout,
			Jar:       jar,
			Transport: newIPv4Transport(),
		},
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
		endpoints: cfg.Endpoints,
		timeout:   cfg.Timeout,
	}, nil
}

// newIPv4Transport resolves A records explicitly and dials the address.
// The request host is still used for TLS server name verification.
func newIPv4Transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           ipv4DialContext(dialer, net.DefaultResolver),
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

func ipv4DialContext(dialer *net.Dialer, resolver *net.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split address %q: %w", addr, err)
		}
		ips, err := resolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("resolve %s: no IPv4 address", host)
		}

		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("dial %s over IPv4: %w", host, lastErr)
	}
}

// get performs a single paced GET with its own timeout. No retries: a
// failed request is a strategy failure.
func (u *upstream) get(ctx context.Context, client *http.Client, purpose, rawURL string, header http.Header) ([]byte, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for request slot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	u.logger.Debug("HTTP request starting", "method", "GET", "url", rawURL, "purpose", purpose)

	startTime := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", purpose, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			u.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	u.logger.Info("HTTP request completed",
		"url", rawURL,
		"purpose", purpose,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", purpose, err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty response body")
	}
	return body, nil
}

func mobileHeaders(creds *credentials.Bundle) http.Header {
	h := http.Header{}
	h.Set("User-Agent", mobileAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US")
	h.Set("X-IG-App-ID", appID)
	setCookies(h, creds)
	return h
}

func desktopAPIHeaders(creds *credentials.Bundle, username string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", desktopAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("X-IG-App-ID", appID)
	h.Set("X-Requested-With", "XMLHttpRequest")
	if username != "" {
		h.Set("Referer", ProfileURL(username))
	}
	setCookies(h, creds)
	return h
}

// documentHeaders mimic a browser navigation to avoid being served a bot page.
func documentHeaders(creds *credentials.Bundle) http.Header {
	h := http.Header{}
	h.Set("User-Agent", desktopAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")
	setCookies(h, creds)
	return h
}

func setCookies(h http.Header, creds *credentials.Bundle) {
	if creds == nil {
		return
	}
	if creds.Header != "" {
		h.Set("Cookie", creds.Header)
	}
	if tok := creds.Field("csrftoken"); tok != "" {
		h.Set("X-CSRFToken", tok)
	}
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
