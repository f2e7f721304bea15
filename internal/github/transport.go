package github

import (
	"net/http"
	"time"
)

// connection pooling limits; every source shares one upstream host
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// newPooledTransport returns the transport shared by all upstream requests.
//
// There is no client-wide timeout; each request is bounded by its context
// so that sources can carry different timeouts.
func newPooledTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = defaultMaxIdleConns
	t.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	t.MaxConnsPerHost = 0 // unlimited; a cycle fetches every source at once
	t.IdleConnTimeout = defaultIdleConnTimeout
	t.DisableKeepAlives = false
	return t
}
