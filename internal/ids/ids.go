package ids

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Audit returns an audit identifier of the form AUDIT-{unixMillis}-{8 hex}.
func Audit(now time.Time) string {
	return "AUDIT-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + RandomHex(4)
}

// RandomHex returns 2*n hex characters read from crypto/rand.
func RandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the ULID entropy.
		entropyMu.Lock()
		_, _ = entropy.Read(buf)
		entropyMu.Unlock()
	}
	return hex.EncodeToString(buf)
}
