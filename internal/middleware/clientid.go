package middleware

import (
	"net"
	"net/http"
)

// ClientIP returns the client address of r without the port. Behind chi's
// RealIP middleware this is the first forwarded address.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
