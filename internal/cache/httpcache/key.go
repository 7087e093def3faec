package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path"
	"strings"
)

// GenerateKey returns the request identity: host, path, method and a hash of the query.
// Headers and body are not part of the identity.
func GenerateKey(request *http.Request) string {
	// Build path: host/path/METHOD[_q<queryhash>].bin
	host := request.URL.Host
	if host == "" {
		host = request.Host
	}
	host = strings.TrimSuffix(strings.TrimSuffix(host, ":80"), ":443")
	host = strings.ReplaceAll(host, ":", "_")
	pathParts := []string{host}

	if p := strings.Trim(path.Clean("/"+request.URL.Path), "/"); p != "" {
		pathParts = append(pathParts, p)
	}

	filename := request.Method
	if request.URL.RawQuery != "" {
		// Create hash for query parameters to handle complex URLs
		hash := sha256.Sum256([]byte(request.URL.RawQuery))
		filename += "_q" + hex.EncodeToString(hash[:])[:8]
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)

	return path.Join(pathParts...)
}
