package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	apperrors "waconnector/pkg/errors"
)

var transientMessageTokens = []string{
	"fetch failed",
	"network",
	"timeout",
	"timed out",
	"socket hang up",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"tls",
	"bad connection",
	"too many connections",
}

// IsTransientError reports whether err is an availability failure of the backing store
// (network, shutdown, overload) rather than a logical error of the statement.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) && apperrors.IsTransient(appErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isTransientSQLState(string(pqErr.Code))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, token := range transientMessageTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// isTransientSQLState covers connection exceptions (08), insufficient resources (53),
// operator intervention (57P01-57P03) and serialization failures.
func isTransientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	case code == "57P01", code == "57P02", code == "57P03":
		return true
	case code == "40001", code == "40P01":
		return true
	default:
		return false
	}
}
