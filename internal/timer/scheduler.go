// Package timer fires interval announcements into channels, gated by
// chat activity so quiet channels are not spammed.
package timer

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/dispatcher"
)

// tickResolution is how often due timers are checked.
const tickResolution = time.Second

// Announcer is the outbound surface the scheduler fires through.
type Announcer interface {
	EnqueueAnnouncement(
		p chat.Platform, channel, text string, class dispatcher.WorkClass,
	) error
}

// timerState tracks one timer's firing history per channel.
type timerState struct {
	lastFired map[string]time.Time
}

// Scheduler owns the timer loop. It re-reads timers from each published
// snapshot so edits to timers.yaml apply without restart.
type Scheduler struct {
	cfg       *config.Manager
	announcer Announcer
	// channelPlatform maps channel name to its platform, built from the
	// bot config's channel lists.
	channelPlatform map[string]chat.Platform
	startedAt       time.Time
	logger          *zap.Logger

	mu         sync.Mutex
	lineCounts map[string]int
	states     map[string]*timerState
	lastGlobal time.Time
	rotation   int
}

// NewScheduler creates a scheduler bound to the live config.
func NewScheduler(
	cfg *config.Manager, announcer Announcer,
	channelPlatform map[string]chat.Platform, logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		announcer:       announcer,
		channelPlatform: channelPlatform,
		startedAt:       time.Now(),
		logger:          logger.Named("timer"),
		lineCounts:      make(map[string]int),
		states:          make(map[string]*timerState),
	}
}

// CountLine records one chat line for the min-lines gate.
func (s *Scheduler) CountLine(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lineCounts[channel]++
}

// Run drives the timer loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	snap := s.cfg.Current()
	if snap == nil || !snap.Bot.Features.Timers {
		return
	}

	globals := snap.TimerGlobals

	s.mu.Lock()
	defer s.mu.Unlock()

	if globals.MinIntervalSeconds > 0 &&
		now.Sub(s.lastGlobal) < time.Duration(globals.MinIntervalSeconds)*time.Second {
		return
	}

	timers := snap.Timers
	if globals.Shuffle && len(timers) > 1 {
		timers = rotated(timers, s.rotation)
	}

	for i := range timers {
		t := &timers[i]
		if !t.Enabled {
			continue
		}

		if s.fireDue(t, snap, now) {
			if globals.Shuffle {
				s.rotation = rand.Intn(len(timers))
			}

			s.lastGlobal = now

			// One timer per global tick keeps announcements spaced out.
			return
		}
	}
}

func rotated(timers []config.TimerConfig, offset int) []config.TimerConfig {
	if len(timers) == 0 {
		return timers
	}

	offset %= len(timers)

	out := make([]config.TimerConfig, 0, len(timers))
	out = append(out, timers[offset:]...)
	out = append(out, timers[:offset]...)

	return out
}

// fireDue fires the timer into the first due channel and reports whether
// anything fired.
func (s *Scheduler) fireDue(t *config.TimerConfig, snap *config.Snapshot, now time.Time) bool {
	state, ok := s.states[t.Name]
	if !ok {
		state = &timerState{lastFired: make(map[string]time.Time)}
		s.states[t.Name] = state
	}

	interval := time.Duration(t.IntervalSeconds) * time.Second

	channels := t.Channels
	if len(channels) == 0 {
		for channel := range s.channelPlatform {
			channels = append(channels, channel)
		}
	}

	for _, channel := range channels {
		platform, ok := s.channelPlatform[channel]
		if !ok {
			continue
		}

		last := state.lastFired[channel]
		if last.IsZero() {
			// First firing waits a full interval from startup.
			state.lastFired[channel] = now
			continue
		}

		if now.Sub(last) < interval {
			continue
		}

		if t.MinLines > 0 && s.lineCounts[channel] < t.MinLines {
			continue
		}

		text := s.expand(t.Message, channel, snap.Variables, now)

		err := s.announcer.EnqueueAnnouncement(platform, channel, text, dispatcher.ClassTimer)
		if err != nil {
			s.logger.Debug("Timer announcement shed",
				zap.String("timer", t.Name),
				zap.String("channel", channel),
				zap.Error(err))

			continue
		}

		state.lastFired[channel] = now
		s.lineCounts[channel] = 0

		s.logger.Debug("Timer fired",
			zap.String("timer", t.Name),
			zap.String("channel", channel))

		return true
	}

	return false
}

// expand substitutes the built-in and configured variables into a timer
// message.
func (s *Scheduler) expand(message, channel string, vars map[string]string, now time.Time) string {
	uptime := now.Sub(s.startedAt).Truncate(time.Second)

	replacements := []string{
		"{channel}", channel,
		"{uptime}", uptime.String(),
		"{count}", strconv.Itoa(s.lineCounts[channel]),
	}

	for k, v := range vars {
		replacements = append(replacements, "{"+k+"}", v)
	}

	return strings.NewReplacer(replacements...).Replace(message)
}
