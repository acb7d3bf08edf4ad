package helper

import (
	"net"
	"net/url"
	"strings"
)

var portMap = map[string]string{
	"http":  "80",
	"https": "443",
}

// SplitHostPort splits a network address of the form "host:port" or
// "[host]:port" into host and port. Unlike net.SplitHostPort it tolerates a
// bare host with no port, returning an empty port instead of an error.
func SplitHostPort(hostport string) (host, port string) {
	host = hostport

	colon := strings.LastIndexByte(host, ':')
	if colon != -1 && validOptionalPort(host[colon:]) {
		host, port = host[:colon], host[colon+1:]
	}

	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	return
}

// JoinHostPort is net.JoinHostPort without bracketing already-bracketed
// IPv6 literals twice.
func JoinHostPort(host, port string) string {
	if strings.HasPrefix(host, "[") {
		return host + ":" + port
	}
	return net.JoinHostPort(host, port)
}

// CanonicalAddr returns url.Host with the scheme's default port filled in.
func CanonicalAddr(u *url.URL) string {
	host, port := SplitHostPort(u.Host)
	if port == "" {
		port = portMap[u.Scheme]
	}
	return JoinHostPort(host, port)
}

// validOptionalPort reports whether port is of the form ":N" with N numeric.
func validOptionalPort(port string) bool {
	if len(port) < 2 || port[0] != ':' {
		return false
	}
	for _, b := range port[1:] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}
