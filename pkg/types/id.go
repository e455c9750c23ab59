package types

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces time-ordered identifiers for incidents and local
// multipart uploads. IDs generated within the same millisecond are
// monotonically increasing.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewIDGenerator creates a generator backed by crypto/rand.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a new identifier stamped with the current time.
func (g *IDGenerator) New() string {
	return g.NewWithTime(time.Now())
}

// NewWithTime returns an identifier stamped with t.
func (g *IDGenerator) NewWithTime(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// IDTime extracts the embedded timestamp from an identifier produced by IDGenerator.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
