package auth

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// HTTPDoer is the minimal request/response surface the auth flows need.
// *http.Client satisfies it directly; tests substitute a fake to avoid real
// network I/O.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultHTTPClient is used when Options.HTTPClient is nil. When proxyURL is
// set it is routed through an HTTP(S) or SOCKS5 proxy.
func defaultHTTPClient(proxyURL string) HTTPDoer {
	client := &http.Client{Timeout: 15 * time.Second}
	if proxyURL == "" {
		return client
	}
	applyProxy(client, proxyURL)
	return client
}

// applyProxy configures client's transport to route through the proxy
// described by rawURL, supporting socks5:// and http(s):// schemes. A
// malformed or unsupported URL leaves client untouched rather than failing
// the caller outright.
func applyProxy(client *http.Client, rawURL string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		log.WithError(err).Warn("auth: invalid proxyUrl, ignoring")
		return
	}

	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			log.WithError(err).Warn("auth: create SOCKS5 dialer failed, ignoring proxyUrl")
			return
		}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("auth: unsupported proxyUrl scheme %q, ignoring", parsed.Scheme)
	}
}
