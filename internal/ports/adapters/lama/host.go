package lama

import (
	"fmt"
	"net"
	"strings"
)

const defaultHost = "127.0.0.1"

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return defaultHost
	}
	return strings.Trim(host, "[]")
}

// ValidateHost checks the worker host setting. Workers run without auth, so
// only loopback addresses are accepted unless allowRemote is set.
func ValidateHost(host string, allowRemote bool) error {
	raw := host
	host = normalizeHost(host)

	if strings.Contains(host, "://") || strings.ContainsAny(host, "/?#@") {
		return fmt.Errorf("invalid UNMARK_WORKER_HOST %q: bare host name or IP is required", raw)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return fmt.Errorf("invalid UNMARK_WORKER_HOST %q: port is set per worker, not in the host", raw)
	}
	if allowRemote {
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("invalid UNMARK_WORKER_HOST %q: loopback address is required", raw)
	}
	return nil
}
