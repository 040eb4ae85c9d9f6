package attendance

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"io"
	"sync"
	"time"

	"attendly/internal/clock"
	"attendly/internal/utils"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultRotationInterval = 5 * time.Second
	DefaultGraceWindow      = 2 * time.Second

	randomTokenBytes = 24
	hotpSecretBytes  = 20
	hotpInfo         = "attendly hotp v1"
)

// TokenSource mints the opaque value for the index-th token of one session.
type TokenSource interface {
	Mint(index uint64) (string, error)
}

// TokenSourceFactory builds the source for a newly created session.
type TokenSourceFactory func(sessionID string) (TokenSource, error)

type RandomSource struct{}

func (RandomSource) Mint(uint64) (string, error) {
	return utils.GenerateRandomToken(randomTokenBytes)
}

func RandomSourceFactory(string) (TokenSource, error) {
	return RandomSource{}, nil
}

// HOTPSource derives tokens as RFC 4226 codes over the rotation index.
type HOTPSource struct {
	secret    string
	Digits    otp.Digits
	Algorithm otp.Algorithm
}

func NewHOTPSource(secret string) *HOTPSource {
	return &HOTPSource{
		secret:    secret,
		Digits:    otp.DigitsEight,
		Algorithm: otp.AlgorithmSHA256,
	}
}

func (s *HOTPSource) Mint(index uint64) (string, error) {
	return hotp.GenerateCodeCustom(s.secret, index, hotp.ValidateOpts{
		Digits:    s.Digits,
		Algorithm: s.Algorithm,
	})
}

// HOTPSourceFactory keys each session with HKDF(masterKey, salt=sessionID).
// An empty master key gives every session an independent random secret.
func HOTPSourceFactory(masterKey []byte) TokenSourceFactory {
	return func(sessionID string) (TokenSource, error) {
		secret, err := deriveSessionSecret(masterKey, sessionID)
		if err != nil {
			return nil, err
		}
		return NewHOTPSource(secret), nil
	}
}

func deriveSessionSecret(masterKey []byte, sessionID string) (string, error) {
	raw := make([]byte, hotpSecretBytes)
	var reader io.Reader = rand.Reader
	if len(masterKey) > 0 {
		reader = hkdf.New(sha256.New, masterKey, []byte(sessionID), []byte(hotpInfo))
	}
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", fmt.Errorf("derive session secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// TokenRotator keeps the current and the immediately preceding token of a
// session. Nothing older is ever acceptable.
type TokenRotator struct {
	mu        sync.Mutex
	sessionID string
	source    TokenSource
	clock     clock.Clock
	interval  time.Duration
	grace     time.Duration
	log       logrus.FieldLogger

	current  VerificationToken
	previous VerificationToken
	next     uint64
	timer    clock.Timer
	started  bool
	stopped  bool
}

func NewTokenRotator(sessionID string, source TokenSource, clk clock.Clock, interval, grace time.Duration, log logrus.FieldLogger) *TokenRotator {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	if grace < 0 {
		grace = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TokenRotator{
		sessionID: sessionID,
		source:    source,
		clock:     clk,
		interval:  interval,
		grace:     grace,
		log:       log,
	}
}

// Start mints the first token and arms the rotation schedule.
func (r *TokenRotator) Start() (VerificationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return r.current, nil
	}
	token, err := r.mintLocked(r.clock.Now())
	if err != nil {
		return VerificationToken{}, err
	}
	r.current = token
	r.started = true
	r.timer = r.clock.AfterFunc(r.interval, r.tick)
	return token, nil
}

func (r *TokenRotator) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	token, err := r.mintLocked(r.clock.Now())
	if err != nil {
		// The current token keeps serving until its own validUntil.
		r.log.WithError(err).WithField("session_id", r.sessionID).Error("token rotation failed")
	} else {
		r.previous = r.current
		r.current = token
	}
	r.timer = r.clock.AfterFunc(r.interval, r.tick)
}

func (r *TokenRotator) mintLocked(now time.Time) (VerificationToken, error) {
	value, err := r.source.Mint(r.next)
	if err != nil {
		return VerificationToken{}, fmt.Errorf("mint token %d: %w", r.next, err)
	}
	token := VerificationToken{
		SessionID:  r.sessionID,
		Value:      value,
		Index:      r.next,
		IssuedAt:   now,
		ValidFrom:  now,
		ValidUntil: now.Add(r.interval + r.grace),
	}
	r.next++
	return token, nil
}

func (r *TokenRotator) Current() VerificationToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *TokenRotator) IsAcceptable(value string, now time.Time) bool {
	if value == "" {
		return false
	}
	r.mu.Lock()
	current, previous := r.current, r.previous
	r.mu.Unlock()

	// Both candidates are compared so timing does not reveal which one matched.
	okCurrent := subtle.ConstantTimeCompare([]byte(value), []byte(current.Value)) == 1 && current.AcceptableAt(now)
	okPrevious := subtle.ConstantTimeCompare([]byte(value), []byte(previous.Value)) == 1 && previous.AcceptableAt(now)
	return okCurrent || okPrevious
}

// AcceptableTokens lists the tokens a scan could present at now, newest first.
func (r *TokenRotator) AcceptableTokens(now time.Time) []VerificationToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	tokens := make([]VerificationToken, 0, 2)
	for _, token := range []VerificationToken{r.current, r.previous} {
		if token.AcceptableAt(now) {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// Stop cancels the schedule. A tick already in flight observes stopped and
// returns without minting.
func (r *TokenRotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
