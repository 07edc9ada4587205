// Package upstream implements the shared HTTP client for the proxied
// API: one pooled transport with cached DNS behind two clients, a
// buffered one with an overall timeout for plain requests and a
// deadline-free one for SSE streams.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

// chunkBuffer bounds the stream channel so a stalled consumer applies
// backpressure to the upstream read.
const chunkBuffer = 16

// NewTransport returns a tuned *http.Transport with connection pooling
// and optional DNS caching. Set forceHTTP2 for remote HTTPS upstreams,
// false for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// requestStrip lists headers never forwarded to the upstream. The
// caller's bearer token authenticates against Pylon, not the upstream;
// the rest are hop-by-hop or recomputed by the transport.
var requestStrip = map[string]struct{}{
	"Authorization":       {},
	"Host":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// responseStrip lists upstream response headers never relayed back to
// the client.
var responseStrip = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Encoding":  {},
}

// CopyResponseHeaders relays upstream response headers into dst,
// skipping the response strip set.
func CopyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, drop := responseStrip[key]; drop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// Client forwards proxied requests to the single configured upstream.
type Client struct {
	baseURL   string
	buffered  *http.Client
	streaming *http.Client
}

// New creates a Client for baseURL. timeout bounds buffered requests
// end to end; streaming requests carry no overall deadline, only the
// caller's context. resolver may be nil to use plain DNS.
func New(baseURL string, timeout time.Duration, resolver *dnscache.Resolver) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	t := NewTransport(resolver, strings.HasPrefix(baseURL, "https://"))
	return &Client{
		baseURL:   baseURL,
		buffered:  &http.Client{Transport: t, Timeout: timeout},
		streaming: &http.Client{Transport: t},
	}
}

/// newRequest builds the outbound request: original method, path, and
// query against the configured base URL, headers copied minus the
// request strip set.
func (c *Client) newRequest(ctx context.Context, r *http.Request, body []byte) (*http.Request, error) {
	target := c.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	for key, vals := range r.Header {
		if _, drop := requestStrip[key]; drop {
			continue
		}
		out.Header[key] = vals
	}
	return out, nil
}

// Do forwards one buffered request and returns the upstream response.
// The caller owns resp.Body.
func (c *Client) Do(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	out, err := c.newRequest(ctx, r, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.buffered.Do(out)
	if err != nil {
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}
	return resp, nil
}

// Chunk is one read from a streaming upstream body. A non-nil Err is
// terminal; the channel closes right after.
type Chunk struct {
	Data []byte
	Err  error
}

// DoStream forwards one streaming request on the deadline-free client
// and returns the upstream status, response headers, and a bounded
// channel of body chunks. A producer goroutine owns the response body;
// it closes the channel at EOF, on read error, or when ctx is done.
func (c *Client) DoStream(ctx context.Context, r *http.Request, body []byte) (int, http.Header, <-chan Chunk, error) {
	out, err := c.newRequest(ctx, r, body)
	if err != nil {
		return 0, nil, nil, err
	}
	resp, err := c.streaming.Do(out)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream: do request: %w", err)
	}

	ch := make(chan Chunk, chunkBuffer)
	go readBody(ctx, resp, ch)
	return resp.StatusCode, resp.Header, ch, nil
}

func readBody(ctx context.Context, resp *http.Response, ch chan<- Chunk) {
	defer close(ch)
	defer resp.Body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case ch <- Chunk{Data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case ch <- Chunk{Err: fmt.Errorf("upstream: read stream: %w", err)}:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}
