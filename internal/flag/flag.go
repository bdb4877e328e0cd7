// Package flag implements the generation and verification of the flags
// that Checker Scripts place inside services and teams steal from each
// other.
//
// A flag consists of a configurable prefix and 24 base64-encoded bytes.
// The first 14 bytes are the payload: expiration timestamp (64 bit),
// flag ID (32 bit) and protecting team's net number (16 bit), all in
// network byte order. The payload gets XOR-ed with a fixed mask so that
// the flags don't visibly share a common prefix within a tick. The
// remaining 10 bytes are a truncated SHA3-256 MAC of the masked payload,
// keyed with the competition secret. Flags are completely self-contained,
// verification does not require a database lookup.
package flag

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// DefaultPrefix is used when no custom flag prefix is configured for
// the competition.
const DefaultPrefix = "FLAG_"

const (
	payloadLen = 14
	macLen     = 10
)

// xorMask hides the common structure of the payloads. It provides no
// cryptographic protection, that is what the MAC is for.
var xorMask = [payloadLen]byte{'C', 'T', 'F', '-', 'G', 'A', 'M', 'E', 'S', 'E', 'R', 'V', 'E', 'R'}

var (
	// ErrInvalidFormat is returned when a string is not a well-formed
	// flag, e.g. because of a wrong prefix, length or encoding.
	ErrInvalidFormat = errors.New("invalid flag format")
	// ErrInvalidMAC is returned when a flag is well-formed, but its MAC
	// does not match, i.e. it was forged or truncated.
	ErrInvalidMAC = errors.New("invalid flag MAC")
)

// ExpiredError is returned when a flag is authentic, but past its
// expiration timestamp.
type ExpiredError struct {
	Expiration time.Time
}

func (e ExpiredError) Error() string {
	return fmt.Sprintf("flag expired at %s", e.Expiration.UTC().Format(time.RFC3339))
}

// Generate builds the flag for the given flag database ID, valid until
// the given expiration time. Generation is deterministic, equal inputs
// yield the equal flags.
func Generate(expiration time.Time, flagID int, teamNetNo int, secret []byte, prefix string) (string, error) {
	if flagID < 0 || flagID > math.MaxUint32 {
		return "", errors.Errorf("flag ID %d does not fit into 32 bits", flagID)
	}
	if teamNetNo < 0 || teamNetNo > math.MaxUint16 {
		return "", errors.Errorf("team net number %d does not fit into 16 bits", teamNetNo)
	}

	var payload [payloadLen]byte
	binary.BigEndian.PutUint64(payload[0:8], uint64(expiration.Unix()))
	binary.BigEndian.PutUint32(payload[8:12], uint32(flagID))
	binary.BigEndian.PutUint16(payload[12:14], uint16(teamNetNo))
	for i := range payload {
		payload[i] ^= xorMask[i]
	}

	mac := computeMAC(secret, payload[:])
	raw := make([]byte, 0, payloadLen+macLen)
	raw = append(raw, payload[:]...)
	raw = append(raw, mac...)

	return prefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Verify checks a submitted flag against the competition secret. It
// returns the flag's database ID and the protecting team's net number.
// The error is ErrInvalidFormat, ErrInvalidMAC or an ExpiredError if
// the flag is not (or no longer) valid.
func Verify(flag string, secret []byte, prefix string, now time.Time) (flagID int, teamNetNo int, err error) {
	if !strings.HasPrefix(flag, prefix) {
		return 0, 0, ErrInvalidFormat
	}
	raw, err := base64.StdEncoding.DecodeString(flag[len(prefix):])
	if err != nil || len(raw) != payloadLen+macLen {
		return 0, 0, ErrInvalidFormat
	}

	masked := raw[:payloadLen]
	if subtle.ConstantTimeCompare(raw[payloadLen:], computeMAC(secret, masked)) != 1 {
		return 0, 0, ErrInvalidMAC
	}

	var payload [payloadLen]byte
	for i := range payload {
		payload[i] = masked[i] ^ xorMask[i]
	}
	expiration := time.Unix(int64(binary.BigEndian.Uint64(payload[0:8])), 0)
	if expiration.Before(now) {
		return 0, 0, ExpiredError{Expiration: expiration}
	}

	flagID = int(binary.BigEndian.Uint32(payload[8:12]))
	teamNetNo = int(binary.BigEndian.Uint16(payload[12:14]))
	return flagID, teamNetNo, nil
}

// The MAC is computed over the masked payload, so receivers can check
// it before even looking at the contents.
func computeMAC(secret, maskedPayload []byte) []byte {
	h := sha3.New256()
	h.Write(secret)
	h.Write(maskedPayload)
	return h.Sum(nil)[:macLen]
}
