package factory

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gemini-bridge/internal/config"
	"gemini-bridge/internal/provider"
	geminiProvider "gemini-bridge/internal/provider/gemini"
)

const (
	providerName           = "gemini"
	defaultHTTPTimeout     = 300 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Build constructs the upstream provider described by cfg.
func Build(cfg config.UpstreamConfig) (provider.Provider, error) {
	client, err := newHTTPClient(cfg.Timeout, cfg.Proxy)
	if err != nil {
		return nil, err
	}

	p, err := geminiProvider.New(providerName, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("initialise gemini provider: %w", err)
	}
	return p, nil
}

// newHTTPClient returns a client whose proxy is taken from proxyURL when set
// and from the environment otherwise.
func newHTTPClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	proxy := http.ProxyFromEnvironment
	if proxyURL = strings.TrimSpace(proxyURL); proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid upstream proxy %q", proxyURL)
		}
		proxy = http.ProxyURL(parsed)
	}

	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
