package hume

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client whose transport keeps poolSize idle
// connections per host. Uploads of long recordings can take a while to be
// acknowledged, so the response header timeout is generous.
func NewHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 4
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			MaxIdleConns:          poolSize * 2,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 45 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
