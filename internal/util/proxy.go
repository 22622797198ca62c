// Package util holds small helpers shared across the gateway, currently the
// outbound proxy wiring for upstream HTTP clients.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy routes the client's outbound traffic through the configured proxy.
// socks5://, http:// and https:// schemes are supported; credentials may be
// embedded in the URL. An empty or unusable proxy URL leaves the client as-is.
func SetProxy(rawURL string, httpClient *http.Client) *http.Client {
	if rawURL == "" {
		return httpClient
	}
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		log.Errorf("invalid proxy url %q: %v", rawURL, err)
		return httpClient
	}

	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &proxy.Auth{User: user.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", err)
			return httpClient
		}
		httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Warnf("unsupported proxy scheme %q, ignoring", proxyURL.Scheme)
	}
	return httpClient
}
