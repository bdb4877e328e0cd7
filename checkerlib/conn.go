package checkerlib

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Timeout is the default timeout for network operations. It applies to
// Dial and to everything using the default HTTP client or transport.
const Timeout = 10 * time.Second

func init() {
	// Checker Scripts must never hang on an unresponsive service.
	http.DefaultClient.Timeout = Timeout
	if transport, ok := http.DefaultTransport.(*http.Transport); ok {
		transport.DialContext = (&net.Dialer{
			Timeout:   Timeout,
			KeepAlive: Timeout,
		}).DialContext
	}
}

// Dial connects to address like net.Dial, with the library's default
// timeout. Checker Scripts should use it for all plain connections.
func Dial(network, address string) (net.Conn, error) {
	return net.DialTimeout(network, address, Timeout)
}

// connErrnos are the errno values that count as a connection problem
// with the checked service.
var connErrnos = []syscall.Errno{
	syscall.EACCES,
	syscall.ECONNABORTED,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
	syscall.ENETDOWN,
	syscall.ENETRESET,
	syscall.ENETUNREACH,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
}

// isConnError reports whether err belongs to the closed set of network
// failures that map to ResultDown: timeouts, the errnos above, TLS
// responses that are not TLS and HTTP responses that are not HTTP.
// Everything else crashes the script, a broken Checker must not flag
// services down.
func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	for _, errno := range connErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	// net/http reports garbage status lines with unexported error
	// types, matching the message is the only option.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "malformed HTTP") {
		return true
	}

	return false
}
