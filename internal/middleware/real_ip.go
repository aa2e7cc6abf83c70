package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NewRealIPMiddleware は信頼済みプロキシ経由のリクエストに限り、転送ヘッダーの送信元をRemoteAddrに反映する。
// 接続元がtrustedに含まれない場合はヘッダーを無視し、TCPの接続元をそのまま使う。
// trustedが空の場合は何もしない。
//
// X-Forwarded-Forは右から辿り、信頼済みプロキシでない最初のアドレスを送信元とする。
// クライアントが付けた左側の値は送信元の判定に使わない。
func NewRealIPMiddleware(trusted []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseAddr(ClientIP(r))
			if ok && isTrusted(trusted, peer) {
				if ip, found := forwardedClient(r.Header, trusted); found {
					r.RemoteAddr = net.JoinHostPort(ip.String(), "0")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(h http.Header, trusted []netip.Prefix) (netip.Addr, bool) {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseAddr(hops[i])
		if !ok {
			// 壊れた値より左は信用できない
			return netip.Addr{}, false
		}
		if !isTrusted(trusted, ip) {
			return ip, true
		}
	}
	if ip, ok := parseAddr(h.Get("X-Real-IP")); ok {
		return ip, true
	}
	return netip.Addr{}, false
}

func parseAddr(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func isTrusted(trusted []netip.Prefix, ip netip.Addr) bool {
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
