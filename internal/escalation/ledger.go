package escalation

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/chat"
)

// Ledger records offenses per (user, filter) and derives the current
// escalation level from the entries inside the policy's sliding window.
// Users are sharded by hash so concurrent workers rarely contend.
type Ledger struct {
	shards []*ledgerShard
	logger *zap.Logger
}

type ledgerShard struct {
	mu    sync.Mutex
	users map[string]*userRecord
}

type userRecord struct {
	filters  map[string]*offenseRecord
	lastSeen time.Time
}

type offenseRecord struct {
	// offenses holds timestamps inside the policy window, oldest first.
	offenses     []time.Time
	coolingUntil time.Time
	window       time.Duration
}

// NewLedger creates a ledger with the given shard count. Shard count is
// rounded up to at least 2 so single-shard contention never occurs.
func NewLedger(shards int, logger *zap.Logger) *Ledger {
	if shards < 2 {
		shards = 2
	}

	l := &Ledger{
		shards: make([]*ledgerShard, shards),
		logger: logger.Named("escalation"),
	}

	for i := range l.shards {
		l.shards[i] = &ledgerShard{users: make(map[string]*userRecord)}
	}

	return l
}

// UserKey builds the ledger key for a message sender. Offense history is
// tracked per platform identity.
func UserKey(platform chat.Platform, userID string) string {
	return string(platform) + ":" + userID
}

func (l *Ledger) shardFor(userKey string) *ledgerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userKey))

	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Record registers a new offense and returns the action the policy
// prescribes at the resulting level. Actions during the cooling-off
// period that follows a maximum-level offense are attenuated one step.
func (l *Ledger) Record(userKey, filterID string, policy *Policy, now time.Time) chat.Action {
	shard := l.shardFor(userKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	user, ok := shard.users[userKey]
	if !ok {
		user = &userRecord{filters: make(map[string]*offenseRecord)}
		shard.users[userKey] = user
	}

	user.lastSeen = now

	rec, ok := user.filters[filterID]
	if !ok {
		rec = &offenseRecord{window: policy.OffenseWindow}
		user.filters[filterID] = rec
	}

	rec.window = policy.OffenseWindow
	rec.prune(now)

	cooling := now.Before(rec.coolingUntil)

	rec.offenses = append(rec.offenses, now)

	level := len(rec.offenses)
	if level > policy.MaxLevel {
		level = policy.MaxLevel
	}

	if level == policy.MaxLevel {
		rec.coolingUntil = now.Add(policy.CoolingOff)
	}

	action := policy.ActionForLevel(level)
	if cooling {
		action = action.Attenuate()
	}

	l.logger.Debug("Offense recorded",
		zap.String("userKey", userKey),
		zap.String("filterID", filterID),
		zap.Int("level", level),
		zap.Bool("coolingOff", cooling),
		zap.Stringer("action", action.Kind))

	return action
}

// Level returns the number of the user's offenses against a filter inside
// the window, without recording anything. The count is not capped at the
// policy's max level the way Record caps the level it acts on.
func (l *Ledger) Level(userKey, filterID string, now time.Time) int {
	shard := l.shardFor(userKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	user, ok := shard.users[userKey]
	if !ok {
		return 0
	}

	rec, ok := user.filters[filterID]
	if !ok {
		return 0
	}

	rec.prune(now)

	return len(rec.offenses)
}

// Forgive removes the most recent offense, used when an appeal is
// accepted. It reports whether any offense existed to remove.
func (l *Ledger) Forgive(userKey, filterID string, now time.Time) bool {
	shard := l.shardFor(userKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	user, ok := shard.users[userKey]
	if !ok {
		return false
	}

	rec, ok := user.filters[filterID]
	if !ok {
		return false
	}

	rec.prune(now)

	if len(rec.offenses) == 0 {
		return false
	}

	rec.offenses = rec.offenses[:len(rec.offenses)-1]
	rec.coolingUntil = time.Time{}

	l.logger.Info("Offense forgiven on appeal",
		zap.String("userKey", userKey),
		zap.String("filterID", filterID),
		zap.Int("level", len(rec.offenses)))

	return true
}

// Sweep drops users whose last activity is older than the retention
// period and returns how many were removed. The dispatcher runs this
// periodically so idle ledgers do not accumulate.
func (l *Ledger) Sweep(now time.Time, retention time.Duration) int {
	removed := 0

	for _, shard := range l.shards {
		shard.mu.Lock()

		for key, user := range shard.users {
			if now.Sub(user.lastSeen) > retention {
				delete(shard.users, key)

				removed++
			}
		}

		shard.mu.Unlock()
	}

	if removed > 0 {
		l.logger.Debug("Swept idle offense records", zap.Int("removed", removed))
	}

	return removed
}

// prune drops offenses that have slid out of the window. Each expired
// entry lowers the derived level by one, which implements rehabilitation
// decay.
func (r *offenseRecord) prune(now time.Time) {
	cutoff := now.Add(-r.window)

	idx := 0
	for idx < len(r.offenses) && r.offenses[idx].Before(cutoff) {
		idx++
	}

	if idx > 0 {
		r.offenses = append(r.offenses[:0], r.offenses[idx:]...)
	}
}
