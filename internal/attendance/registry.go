package attendance

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"attendly/internal/clock"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrShuttingDown is returned by CreateSession once Shutdown has started.
var ErrShuttingDown = errors.New("registry is shutting down")

// ArchiveSink receives each session exactly once, after it closed.
// Archive is called without any registry lock held.
type ArchiveSink interface {
	Archive(record SessionRecord)
}

type ArchiveSinkFunc func(record SessionRecord)

func (f ArchiveSinkFunc) Archive(record SessionRecord) {
	f(record)
}

type Config struct {
	RotationInterval time.Duration
	GraceWindow      time.Duration
	DefaultDuration  time.Duration
	MaxDuration      time.Duration
	// ClosedRetention keeps closed sessions readable before they are evicted.
	ClosedRetention time.Duration

	AdmissionRate  rate.Limit
	AdmissionBurst int
	MaxInFlight    int64

	Heuristics HeuristicConfig
}

func DefaultConfig() Config {
	return Config{
		RotationInterval: DefaultRotationInterval,
		GraceWindow:      DefaultGraceWindow,
		DefaultDuration:  600 * time.Second,
		MaxDuration:      4 * time.Hour,
		ClosedRetention:  15 * time.Minute,
		AdmissionRate:    50,
		AdmissionBurst:   100,
		MaxInFlight:      64,
		Heuristics:       DefaultHeuristics(),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RotationInterval <= 0 {
		c.RotationInterval = defaults.RotationInterval
	}
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = defaults.DefaultDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaults.MaxDuration
	}
	if c.ClosedRetention <= 0 {
		c.ClosedRetention = defaults.ClosedRetention
	}
	if c.AdmissionRate <= 0 {
		c.AdmissionRate = defaults.AdmissionRate
	}
	if c.AdmissionBurst <= 0 {
		c.AdmissionBurst = defaults.AdmissionBurst
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaults.MaxInFlight
	}
	c.Heuristics = c.Heuristics.withDefaults()
	return c
}

// Registry owns every live session and is the only writer of session state.
//
// Lock order: Registry.mu before liveSession.mu (CreateSession only), and
// liveSession.mu before the rotator and roster locks. Closing paths release
// the session lock before touching the registry maps.
type Registry struct {
	clock  clock.Clock
	tokens TokenSourceFactory
	sink   ArchiveSink
	log    logrus.FieldLogger
	config Config

	mu            sync.RWMutex
	sessions      map[string]*liveSession
	activeByClass map[string]*liveSession
	shuttingDown  bool
}

type liveSession struct {
	mu        sync.RWMutex
	session   Session
	rotator   *TokenRotator
	roster    *RosterAggregator
	validator *ScanValidator
	limiter   *rate.Limiter
	inflight  *semaphore.Weighted
	expiry    clock.Timer
}

func NewRegistry(clk clock.Clock, tokens TokenSourceFactory, sink ArchiveSink, log logrus.FieldLogger, config Config) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	if tokens == nil {
		tokens = RandomSourceFactory
	}
	if sink == nil {
		sink = ArchiveSinkFunc(func(SessionRecord) {})
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		clock:         clk,
		tokens:        tokens,
		sink:          sink,
		log:           log,
		config:        config.withDefaults(),
		sessions:      make(map[string]*liveSession),
		activeByClass: make(map[string]*liveSession),
	}
}

// Now reads the registry's clock, so callers stamp events on the same
// timeline the sessions run on.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// CreateSession opens a session for classID. duration <= 0 uses the default.
// A class whose active session is past its deadline is expired on the spot.
func (r *Registry) CreateSession(classID, ownerID string, duration time.Duration, capacity int) (Session, VerificationToken, error) {
	classID = strings.TrimSpace(classID)
	ownerID = strings.TrimSpace(ownerID)
	if classID == "" || ownerID == "" || capacity < 0 {
		return Session{}, VerificationToken{}, ErrInvalidInput
	}
	if duration <= 0 {
		duration = r.config.DefaultDuration
	}
	if duration > r.config.MaxDuration {
		return Session{}, VerificationToken{}, fmt.Errorf("duration %s exceeds %s: %w", duration, r.config.MaxDuration, ErrInvalidInput)
	}

	id := uuid.NewString()
	source, err := r.tokens(id)
	if err != nil {
		return Session{}, VerificationToken{}, fmt.Errorf("token source: %w", err)
	}

	var staleSession *liveSession
	var staleRecord SessionRecord

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return Session{}, VerificationToken{}, ErrShuttingDown
	}
	now := r.clock.Now()
	if existing := r.activeByClass[classID]; existing != nil {
		existing.mu.Lock()
		if existing.session.State == StateActive {
			if !now.After(existing.session.ClosesAt) {
				existing.mu.Unlock()
				r.mu.Unlock()
				return Session{}, VerificationToken{}, ErrAlreadyActive
			}
			staleRecord = existing.closeLocked(existing.session.ClosesAt, CloseExpired)
			staleSession = existing
		}
		existing.mu.Unlock()
		delete(r.activeByClass, classID)
	}

	ls := r.newLiveSession(id, classID, ownerID, capacity, now, duration, source)
	ls.mu.Lock()
	token, err := ls.rotator.Start()
	if err != nil {
		ls.mu.Unlock()
		r.mu.Unlock()
		if staleSession != nil {
			r.finalize(staleSession, staleRecord)
		}
		return Session{}, VerificationToken{}, err
	}
	ls.expiry = r.clock.AfterFunc(duration, func() { r.expireFromTimer(id) })
	ls.session.State = StateActive
	session := ls.session
	ls.mu.Unlock()

	r.sessions[id] = ls
	r.activeByClass[classID] = ls
	r.mu.Unlock()

	if staleSession != nil {
		r.finalize(staleSession, staleRecord)
	}

	r.log.WithFields(logrus.Fields{
		"session_id": id,
		"class_id":   classID,
		"closes_at":  session.ClosesAt,
	}).Info("session created")
	return session, token, nil
}

func (r *Registry) newLiveSession(id, classID, ownerID string, capacity int, now time.Time, duration time.Duration, source TokenSource) *liveSession {
	rotator := NewTokenRotator(id, source, r.clock, r.config.RotationInterval, r.config.GraceWindow, r.log)
	roster := NewRosterAggregator(id, ownerID)
	return &liveSession{
		session: Session{
			ID:        id,
			ClassID:   classID,
			OwnerID:   ownerID,
			State:     StatePending,
			Capacity:  capacity,
			CreatedAt: now,
			ClosesAt:  now.Add(duration),
		},
		rotator:   rotator,
		roster:    roster,
		validator: NewScanValidator(rotator, roster, r.config.Heuristics),
		limiter:   rate.NewLimiter(r.config.AdmissionRate, r.config.AdmissionBurst),
		inflight:  semaphore.NewWeighted(r.config.MaxInFlight),
	}
}

// EndSession closes the session on behalf of its owner. If the deadline has
// already passed the session is closed as expired and the caller observes
// ErrAlreadyClosed.
func (r *Registry) EndSession(sessionID, requesterID string) (Session, error) {
	ls := r.lookup(sessionID)
	if ls == nil {
		return Session{}, ErrNotFound
	}

	ls.mu.Lock()
	if ls.session.OwnerID != requesterID {
		ls.mu.Unlock()
		return Session{}, ErrNotOwner
	}
	if ls.session.State == StateClosed {
		ls.mu.Unlock()
		return Session{}, ErrAlreadyClosed
	}
	now := r.clock.Now()
	if now.After(ls.session.ClosesAt) {
		record := ls.closeLocked(ls.session.ClosesAt, CloseExpired)
		ls.mu.Unlock()
		r.finalize(ls, record)
		return Session{}, ErrAlreadyClosed
	}
	record := ls.closeLocked(now, CloseEnded)
	session := ls.session
	ls.mu.Unlock()

	r.finalize(ls, record)
	return session, nil
}

// Expire closes the session because its deadline passed. It races with
// EndSession; exactly one of them performs the transition.
func (r *Registry) Expire(sessionID string) error {
	ls := r.lookup(sessionID)
	if ls == nil {
		r.log.WithField("session_id", sessionID).Error("expire called for unknown session")
		return ErrNotFound
	}

	ls.mu.Lock()
	if ls.session.State == StateClosed {
		ls.mu.Unlock()
		return ErrAlreadyClosed
	}
	closedAt := r.clock.Now()
	if closedAt.After(ls.session.ClosesAt) {
		closedAt = ls.session.ClosesAt
	}
	record := ls.closeLocked(closedAt, CloseExpired)
	ls.mu.Unlock()

	r.finalize(ls, record)
	return nil
}

func (r *Registry) expireFromTimer(sessionID string) {
	if err := r.Expire(sessionID); err != nil && !errors.Is(err, ErrAlreadyClosed) {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("expiry timer fired")
	}
}

// closeLocked performs the single Active -> Closed transition. ls.mu must be
// held for writing.
func (ls *liveSession) closeLocked(at time.Time, reason CloseReason) SessionRecord {
	closedAt := at
	ls.session.State = StateClosed
	ls.session.ClosedAt = &closedAt
	ls.session.CloseReason = reason
	if ls.expiry != nil {
		ls.expiry.Stop()
	}
	ls.rotator.Stop()
	ls.roster.Freeze()

	count, suspicious := ls.roster.Counts()
	return SessionRecord{
		Session:         ls.session,
		Entries:         ls.roster.History(),
		Count:           count,
		SuspiciousCount: suspicious,
	}
}

func (r *Registry) finalize(ls *liveSession, record SessionRecord) {
	id := record.Session.ID
	classID := record.Session.ClassID

	r.mu.Lock()
	if r.activeByClass[classID] == ls {
		delete(r.activeByClass, classID)
	}
	r.mu.Unlock()

	r.clock.AfterFunc(r.config.ClosedRetention, func() {
		r.mu.Lock()
		if r.sessions[id] == ls {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	})

	r.log.WithFields(logrus.Fields{
		"session_id": id,
		"class_id":   classID,
		"reason":     record.Session.CloseReason,
		"count":      record.Count,
		"suspicious": record.SuspiciousCount,
	}).Info("session closed")

	r.sink.Archive(record)
}

func (r *Registry) lookup(sessionID string) *liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// GetActiveSession reports the session currently accepting scans for classID.
func (r *Registry) GetActiveSession(classID string) (Session, bool) {
	r.mu.RLock()
	ls := r.activeByClass[strings.TrimSpace(classID)]
	r.mu.RUnlock()
	if ls == nil {
		return Session{}, false
	}

	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.session.OpenAt(r.clock.Now()) {
		return Session{}, false
	}
	return ls.session, true
}

// Session returns a known session, live or recently closed.
func (r *Registry) Session(sessionID string) (Session, error) {
	ls := r.lookup(sessionID)
	if ls == nil {
		return Session{}, ErrNotFound
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.session, nil
}

func (r *Registry) CurrentToken(sessionID string) (VerificationToken, error) {
	ls := r.lookup(sessionID)
	if ls == nil {
		return VerificationToken{}, ErrNotFound
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.session.OpenAt(r.clock.Now()) {
		return VerificationToken{}, ErrSessionClosed
	}
	return ls.rotator.Current(), nil
}

// SubmitScan admits one scan. Callers above the per-session admission rate,
// or beyond the in-flight bound, get a RetryLater verdict instead of queuing.
func (r *Registry) SubmitScan(attempt ScanAttempt) Verdict {
	attempt.StudentID = strings.TrimSpace(attempt.StudentID)
	if attempt.StudentID == "" {
		return rejectedVerdict(ReasonInvalidInput)
	}
	ls := r.lookup(attempt.SessionID)
	if ls == nil {
		return rejectedVerdict(ReasonSessionClosed)
	}

	if !ls.inflight.TryAcquire(1) {
		return rejectedVerdict(ReasonRetryLater)
	}
	defer ls.inflight.Release(1)
	if !ls.limiter.AllowN(r.clock.Now(), 1) {
		return rejectedVerdict(ReasonRetryLater)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.validator.Submit(ls.session, attempt, r.clock.Now())
}

// Roster reads the session and its live roster under one read lock.
func (r *Registry) Roster(sessionID string) (RosterView, error) {
	ls := r.lookup(sessionID)
	if ls == nil {
		return RosterView{}, ErrNotFound
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	count, suspicious := ls.roster.Counts()
	return RosterView{
		Session:         ls.session,
		Entries:         ls.roster.Snapshot(),
		Count:           count,
		SuspiciousCount: suspicious,
	}, nil
}

// RemoveEntry soft-deletes a roster entry. Only the owner may remove, and only
// while the session is open.
func (r *Registry) RemoveEntry(sessionID, entryID, requesterID string) (AttendanceEntry, error) {
	ls := r.lookup(sessionID)
	if ls == nil {
		return AttendanceEntry{}, ErrNotFound
	}

	ls.mu.Lock()
	now := r.clock.Now()
	var overdue *SessionRecord
	if ls.session.State == StateActive && now.After(ls.session.ClosesAt) {
		record := ls.closeLocked(ls.session.ClosesAt, CloseExpired)
		overdue = &record
	}
	entry, err := ls.roster.Remove(entryID, requesterID, now)
	ls.mu.Unlock()

	if overdue != nil {
		r.finalize(ls, *overdue)
	}
	if err != nil {
		return AttendanceEntry{}, err
	}
	r.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"entry_id":   entryID,
	}).Info("roster entry removed")
	return entry, nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activeByClass)
}

// Shutdown closes every live session so its roster still reaches the sink.
// CreateSession fails with ErrShuttingDown afterwards.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	live := make([]*liveSession, 0, len(r.activeByClass))
	for _, ls := range r.activeByClass {
		live = append(live, ls)
	}
	r.mu.Unlock()

	for _, ls := range live {
		ls.mu.Lock()
		if ls.session.State == StateClosed {
			ls.mu.Unlock()
			continue
		}
		reason := CloseShutdown
		at := r.clock.Now()
		if at.After(ls.session.ClosesAt) {
			reason = CloseExpired
			at = ls.session.ClosesAt
		}
		record := ls.closeLocked(at, reason)
		ls.mu.Unlock()
		r.finalize(ls, record)
	}
}
