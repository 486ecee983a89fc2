package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP from the request.
// X-Forwarded-For (first entry) and X-Real-IP are honoured only when the
// direct peer is a loopback address, i.e. a reverse proxy on the same host.
// Properly handles IPv6 addresses including bracketed notation.
func GetClientIP(r *http.Request) string {
	peer := peerIP(r)
	if !isLoopback(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return peer
}

// IsLoopbackRequest reports whether the direct peer of r is on this host
func IsLoopbackRequest(r *http.Request) bool {
	return isLoopback(peerIP(r))
}

func peerIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
