package httpserver

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const proxyTimeout = 30 * time.Second

// fixedBadGatewayBody is the only body ever written on a proxy error (§4.7:
// "never leak provider-internal strings in 5xx responses").
const fixedBadGatewayBody = "Bad Gateway"

// ProxyHandler forwards <basePath>/* to upstream, preserving method, body,
// and headers (overriding Host), with a 30s overall timeout. On any error it
// emits a fixed 502 response and resolves quietly.
type ProxyHandler struct {
	basePath string
	upstream string // host:port
	client   *http.Client
}

// NewProxyHandler constructs a ProxyHandler mounted at basePath, forwarding to upstream.
func NewProxyHandler(basePath, upstream string) *ProxyHandler {
	return &ProxyHandler{
		basePath: strings.TrimSuffix(basePath, "/"),
		upstream: upstream,
		client:   &http.Client{Timeout: proxyTimeout},
	}
}

func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL := "http://" + p.upstream + strings.TrimPrefix(r.URL.Path, p.basePath)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		writeBadGateway(w)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = p.upstream

	resp, err := p.client.Do(outReq)
	if err != nil {
		slog.Warn("proxy request failed", "path", r.URL.Path, "error", err)
		writeBadGateway(w)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeBadGateway(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(fixedBadGatewayBody))
}

// WSProxyHandler dials an upstream HTTP/1.1 endpoint and splices sockets in
// both directions on 101 Switching Protocols; any non-upgrade upstream
// response is written to the client socket before destruction.
type WSProxyHandler struct {
	upstream string
}

// NewWSProxyHandler constructs a WSProxyHandler forwarding to upstream (host:port).
func NewWSProxyHandler(upstream string) *WSProxyHandler {
	return &WSProxyHandler{upstream: upstream}
}

func (p *WSProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeBadGateway(w)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		writeBadGateway(w)
		return
	}
	defer clientConn.Close()

	upstreamConn, err := net.DialTimeout("tcp", p.upstream, proxyTimeout)
	if err != nil {
		slog.Warn("ws proxy dial failed", "upstream", p.upstream, "error", err)
		return
	}
	defer upstreamConn.Close()

	if err := r.Write(upstreamConn); err != nil {
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, r)
	if err != nil {
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = resp.Write(clientConn)
		resp.Body.Close()
		return
	}
	if err := resp.Write(clientConn); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstreamConn, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, upstreamReader)
		done <- struct{}{}
	}()
	<-done
}
