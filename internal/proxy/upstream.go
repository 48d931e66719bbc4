package proxy

import (
	"fmt"
	"net/http"
	"net/url"

	xproxy "golang.org/x/net/proxy"
)

// newUpstreamClient builds the shared client for cloudcode and z.ai
// calls. No client-level timeout: buffered handlers bound the request
// context themselves, and streams stay open as long as the caller
// reads.
func newUpstreamClient(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			dialer, err := xproxy.FromURL(u, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to build socks5 dialer: %w", err)
			}
			contextDialer, ok := dialer.(xproxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer for %q does not support context dialing", u.Host)
			}
			transport.Proxy = nil
			transport.DialContext = contextDialer.DialContext
		default:
			return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
		}
	}

	return &http.Client{Transport: transport}, nil
}
