package attendance

import (
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"attendly/internal/clock"

	"github.com/sirupsen/logrus"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingSink struct {
	mu      sync.Mutex
	records []SessionRecord
}

func (s *recordingSink) Archive(record SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *recordingSink) all() []SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionRecord(nil), s.records...)
}

// stalledClock never fires timers, which lets tests observe the window
// between a deadline passing and the expiry timer running.
type stalledClock struct {
	mu  sync.Mutex
	now time.Time
}

type stalledTimer struct{}

func (stalledTimer) Stop() bool { return true }

func (c *stalledClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stalledClock) AfterFunc(time.Duration, func()) clock.Timer {
	return stalledTimer{}
}

func (c *stalledClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequenceSource mints predictable values so tests can present old tokens.
type sequenceSource struct {
	prefix string
}

func (s sequenceSource) Mint(index uint64) (string, error) {
	return s.prefix + "-" + strconv.FormatUint(index, 10), nil
}

func newTestRegistry(t *testing.T, clk clock.Clock, config Config) (*Registry, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	return NewRegistry(clk, RandomSourceFactory, sink, quietLogger(), config), sink
}
