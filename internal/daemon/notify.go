package daemon

import (
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Notify sends a state notification to the service manager as
// described in sd_notify(3), e.g. Notify("READY=1") once startup is
// complete. It is a no-op when not running under systemd.
func Notify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}
	// Abstract namespace sockets are indicated by a leading "@".
	if strings.HasPrefix(socketPath, "@") {
		socketPath = "\x00" + socketPath[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return errors.Wrap(err, "could not connect to notify socket")
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return errors.Wrap(err, "could not write notification")
	}
	return nil
}
