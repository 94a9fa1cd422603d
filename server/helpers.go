package server

import (
	"fmt"
	"net/http"
)

// getScheme determines the HTTP scheme
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}

	return "http"
}

// getBaseURL returns the base URL for HTTP
func getBaseURL(r *http.Request) string {
	return fmt.Sprintf("%s://%s", getScheme(r), r.Host)
}

// getWSURL returns the base URL for WebSocket
func getWSURL(r *http.Request) string {
	scheme := "ws"
	if getScheme(r) == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
