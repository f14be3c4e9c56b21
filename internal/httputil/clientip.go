// Package httputil holds small helpers shared by the HTTP surfaces.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address used for per-client stream limits and request
// logs. With trustProxy the proxy headers are consulted in the order
// Forwarded (RFC 7239), X-Forwarded-For, X-Real-IP; the first that yields a
// valid IP wins. Enable trustProxy only behind a proxy that sets them.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("Forwarded")); ip != "" {
			return ip
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor extracts the for= node of the first Forwarded element.
// Obfuscated and unknown nodes yield "".
func forwardedFor(v string) string {
	first, _, _ := strings.Cut(v, ",")
	for _, pair := range strings.Split(first, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		node := strings.Trim(val, `"`)
		if host, _, err := net.SplitHostPort(node); err == nil {
			node = host
		}
		return parseIP(strings.Trim(node, "[]"))
	}
	return ""
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
