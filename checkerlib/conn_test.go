package checkerlib

import (
	"crypto/tls"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsConnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "plain errno",
			err:  syscall.ECONNREFUSED,
			want: true,
		},
		{
			name: "syscall error",
			err:  os.NewSyscallError("connect", syscall.ECONNRESET),
			want: true,
		},
		{
			name: "op error",
			err: &net.OpError{
				Op:  "write",
				Net: "tcp",
				Err: os.NewSyscallError("write", syscall.EPIPE),
			},
			want: true,
		},
		{
			name: "wrapped errno",
			err:  errors.Wrap(syscall.EHOSTUNREACH, "sending payload"),
			want: true,
		},
		{
			name: "dial timeout",
			err: &net.OpError{
				Op:  "dial",
				Net: "tcp",
				Err: timeoutError{},
			},
			want: true,
		},
		{
			name: "http client timeout",
			err: &url.Error{
				Op:  "Get",
				URL: "http://10.66.1.2:8000/",
				Err: timeoutError{},
			},
			want: true,
		},
		{
			name: "tls record header",
			err: tls.RecordHeaderError{
				Msg: "first record does not look like a TLS handshake",
			},
			want: true,
		},
		{
			name: "malformed http response",
			err: &url.Error{
				Op:  "Get",
				URL: "http://10.66.1.2:8000/",
				Err: errors.New(`malformed HTTP response "SSH-2.0-OpenSSH_9.6"`),
			},
			want: true,
		},
		{
			name: "application error",
			err:  errors.New("service returned the wrong flag"),
			want: false,
		},
		{
			name: "errno outside the set",
			err:  syscall.ENOENT,
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnError(tt.err))
		})
	}
}
