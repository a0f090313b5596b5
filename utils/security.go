// msgboard/utils/security.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
)

var (
	IPSalt string
)

// GetIPAddress returns the host part of the request's remote address. Proxy headers
// are only honoured once middleware has rewritten RemoteAddr from them.
func GetIPAddress(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// HashIP creates a salted SHA256 hash of a string (IP or session id) and returns a truncated hex string.
func HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + IPSalt))
	return hex.EncodeToString(hash[:16])
}

// Fingerprint identifies the poster behind a request without storing their address.
func Fingerprint(r *http.Request) string {
	return HashIP(GetIPAddress(r))
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
