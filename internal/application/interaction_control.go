package application

import (
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// InteractionDecision is the verdict process_interaction hands back to a
// caller: whether to keep going, stop the conversation outright, or wait
// out a cooldown before sending again.
type InteractionDecision string

const (
	DecisionContinue InteractionDecision = "continue"
	DecisionStop     InteractionDecision = "stop"
	DecisionWait     InteractionDecision = "wait"
)

// TokenConfig bounds how many tokens the controlled agent may spend per
// minute and per hour, summed over all of its conversations, plus the hard
// cap on turns.
type TokenConfig struct {
	MaxTokensPerMinute int
	MaxTokensPerHour   int
	MaxTurns           int
}

// WindowStore backs the per-minute/per-hour counters with a shared,
// distributed fixed-window counter (Redis INCR+EXPIRE in this
// implementation) so several hub processes can enforce one
// logical budget. When nil, InteractionControl falls back to its own
// in-process counters; process_interaction behaves identically either way.
type WindowStore interface {
	// Increment adds delta to the counter for key and returns the new
	// total, creating the window with the given ttl if it did not exist.
	Increment(key string, delta int64, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key's window.
	TTL(key string) (time.Duration, error)
}

// CooldownFunc is invoked with the cooldown duration whenever
// process_interaction decides a caller must wait before its next turn.
type CooldownFunc func(conversationID string, duration time.Duration)

type window struct {
	count       int
	windowStart time.Time
}

type conversationStats struct {
	tokenTotal int
	turnCount  int
}

// InteractionControl enforces per-minute/per-hour token budgets and a
// hard turn limit, invoking a cooldown callback whenever a caller must
// back off. Two independent fixed windows are tracked; each resets
// lazily the first time it is observed to be stale.
type InteractionControl struct {
	mu sync.Mutex

	cfg        TokenConfig
	minute     window
	hour       window
	turn       int
	stats      map[string]*conversationStats
	onCooldown CooldownFunc
	store      WindowStore
	agentID    string
	now        func() time.Time
}

// NewInteractionControl constructs a control for a single agent. store may
// be nil, in which case in-process counters are used. agentID namespaces
// the distributed window keys when store is set.
func NewInteractionControl(cfg TokenConfig, agentID string, store WindowStore, onCooldown CooldownFunc) *InteractionControl {
	t := time.Now()
	return &InteractionControl{
		cfg:        cfg,
		minute:     window{windowStart: t},
		hour:       window{windowStart: t},
		stats:      make(map[string]*conversationStats),
		onCooldown: onCooldown,
		store:      store,
		agentID:    agentID,
		now:        time.Now,
	}
}

// ProcessInteraction accounts for tokenCount tokens spent on
// conversationID and returns the resulting decision. Checks run in a
// fixed order: turn limit first, then a zero-token call is a free pass,
// then both windows are charged together, then a cooldown (minute before
// hour) is computed and reported.
func (ic *InteractionControl) ProcessInteraction(tokenCount int, conversationID string) InteractionDecision {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if ic.cfg.MaxTurns > 0 && ic.turn >= ic.cfg.MaxTurns {
		return DecisionStop
	}
	if tokenCount == 0 {
		return DecisionContinue
	}

	now := ic.now()
	minuteCount, minuteElapsed := ic.chargeWindow(&ic.minute, "minute", now, time.Minute, tokenCount)
	hourCount, hourElapsed := ic.chargeWindow(&ic.hour, "hour", now, time.Hour, tokenCount)
	ic.turn++

	stats := ic.stats[conversationID]
	if stats == nil {
		stats = &conversationStats{}
		ic.stats[conversationID] = stats
	}
	stats.tokenTotal += tokenCount
	stats.turnCount++

	var cooldown time.Duration
	var windowName string
	switch {
	case ic.cfg.MaxTokensPerMinute > 0 && minuteCount > ic.cfg.MaxTokensPerMinute:
		cooldown = time.Minute - minuteElapsed
		windowName = "minute"
	case ic.cfg.MaxTokensPerHour > 0 && hourCount > ic.cfg.MaxTokensPerHour:
		cooldown = time.Hour - hourElapsed
		windowName = "hour"
	}

	if cooldown > 0 {
		metrics.RecordCooldown(windowName)
		if ic.onCooldown != nil {
			ic.onCooldown(conversationID, cooldown)
		}
		return DecisionWait
	}
	return DecisionContinue
}

// chargeWindow adds delta to the named window, resetting it first if its
// size has elapsed, and returns the post-charge count plus how far into
// the (possibly just-reset) window `now` falls.
func (ic *InteractionControl) chargeWindow(w *window, name string, now time.Time, size time.Duration, delta int) (int, time.Duration) {
	if ic.store != nil {
		key := "interaction:" + ic.agentID + ":" + name
		total, err := ic.store.Increment(key, int64(delta), size)
		if err == nil {
			ttl, ttlErr := ic.store.TTL(key)
			if ttlErr == nil && ttl > 0 {
				return int(total), size - ttl
			}
			return int(total), 0
		}
		// Fall through to in-process accounting on store failure so a
		// transient Redis outage never blocks routing.
	}

	if now.Sub(w.windowStart) >= size {
		w.windowStart = now
		w.count = 0
	}
	w.count += delta
	return w.count, now.Sub(w.windowStart)
}

// ConversationStats returns the token total and turn count observed for
// conversationID, or (0, 0) if it has never been charged.
func (ic *InteractionControl) ConversationStats(conversationID string) (tokens int, turns int) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	stats := ic.stats[conversationID]
	if stats == nil {
		return 0, 0
	}
	return stats.tokenTotal, stats.turnCount
}

// CurrentTurn returns the number of turns consumed so far.
func (ic *InteractionControl) CurrentTurn() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.turn
}

// Reset clears all window and turn state. Used by tests and by an agent
// restarting a conversation from scratch.
func (ic *InteractionControl) Reset() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	now := ic.now()
	ic.minute = window{windowStart: now}
	ic.hour = window{windowStart: now}
	ic.turn = 0
	ic.stats = make(map[string]*conversationStats)
}
