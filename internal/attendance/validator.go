package attendance

import (
	"errors"
	"strings"
	"time"
)

const (
	HeuristicSharedContext = "shared_context"
	HeuristicTooFast       = "too_fast"
	HeuristicClockSkew     = "clock_skew"
)

// HeuristicConfig tunes the suspicion pass. A zero field disables that
// heuristic; an all-zero config means DefaultHeuristics.
type HeuristicConfig struct {
	// MinHumanDelay flags scans accepted sooner than this after the session started.
	MinHumanDelay time.Duration
	// MaxClockSkew flags scans whose client timestamp is further than this from server time.
	MaxClockSkew time.Duration
	// SharedContextWindow and SharedContextThreshold flag the threshold-th and
	// later distinct students presenting one token from one device fingerprint
	// within the window.
	SharedContextWindow    time.Duration
	SharedContextThreshold int
}

func DefaultHeuristics() HeuristicConfig {
	return HeuristicConfig{
		MinHumanDelay:          2 * time.Second,
		MaxClockSkew:           30 * time.Second,
		SharedContextWindow:    10 * time.Second,
		SharedContextThreshold: 3,
	}
}

func (c HeuristicConfig) withDefaults() HeuristicConfig {
	if c == (HeuristicConfig{}) {
		return DefaultHeuristics()
	}
	return c
}

type contextUse struct {
	studentID string
	at        time.Time
}

// ScanValidator decides scans for one session. It is not safe for concurrent
// use: the registry calls Submit with the session lock held.
type ScanValidator struct {
	rotator *TokenRotator
	roster  *RosterAggregator
	config  HeuristicConfig
	recent  map[string][]contextUse
}

func NewScanValidator(rotator *TokenRotator, roster *RosterAggregator, config HeuristicConfig) *ScanValidator {
	return &ScanValidator{
		rotator: rotator,
		roster:  roster,
		config:  config.withDefaults(),
		recent:  make(map[string][]contextUse),
	}
}

// Submit applies the admission rules in order; the first failing rule decides.
func (v *ScanValidator) Submit(session Session, attempt ScanAttempt, now time.Time) Verdict {
	if !session.OpenAt(now) {
		return rejectedVerdict(ReasonSessionClosed)
	}
	if !v.rotator.IsAcceptable(attempt.TokenValue, now) {
		return rejectedVerdict(ReasonTokenExpiredOrInvalid)
	}
	if v.roster.Has(attempt.StudentID) {
		return rejectedVerdict(ReasonDuplicateScan)
	}

	contextKey := ""
	if fingerprint := attempt.Context.Fingerprint(); fingerprint != "" {
		contextKey = attempt.TokenValue + "\x00" + fingerprint
	}
	reasons := v.suspicionReasons(session, attempt, contextKey, now)

	entry, err := v.roster.Add(attempt.StudentID, strings.TrimSpace(attempt.Context.Location), now, len(reasons) > 0, reasons)
	switch {
	case errors.Is(err, ErrDuplicateScan):
		return rejectedVerdict(ReasonDuplicateScan)
	case err != nil:
		return rejectedVerdict(ReasonSessionClosed)
	}

	if contextKey != "" && v.config.SharedContextThreshold > 0 {
		v.recent[contextKey] = append(v.recent[contextKey], contextUse{studentID: attempt.StudentID, at: now})
	}
	return acceptedVerdict(entry)
}

func (v *ScanValidator) suspicionReasons(session Session, attempt ScanAttempt, contextKey string, now time.Time) []string {
	var reasons []string

	if v.config.SharedContextThreshold > 0 && v.config.SharedContextWindow > 0 {
		v.pruneRecent(now)
		if contextKey != "" {
			distinct := map[string]struct{}{attempt.StudentID: {}}
			for _, use := range v.recent[contextKey] {
				distinct[use.studentID] = struct{}{}
			}
			if len(distinct) >= v.config.SharedContextThreshold {
				reasons = append(reasons, HeuristicSharedContext)
			}
		}
	}

	if v.config.MinHumanDelay > 0 && now.Sub(session.CreatedAt) < v.config.MinHumanDelay {
		reasons = append(reasons, HeuristicTooFast)
	}

	if v.config.MaxClockSkew > 0 && !attempt.SubmittedAt.IsZero() {
		skew := now.Sub(attempt.SubmittedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.config.MaxClockSkew {
			reasons = append(reasons, HeuristicClockSkew)
		}
	}
	return reasons
}

func (v *ScanValidator) pruneRecent(now time.Time) {
	cutoff := now.Add(-v.config.SharedContextWindow)
	for key, uses := range v.recent {
		kept := uses[:0]
		for _, use := range uses {
			if use.at.After(cutoff) {
				kept = append(kept, use)
			}
		}
		if len(kept) == 0 {
			delete(v.recent, key)
			continue
		}
		v.recent[key] = kept
	}
}
