// Package dispatcher moves messages from the platform pools through the
// filter pipeline and applies the resulting actions, preserving per-user
// ordering and shedding low-priority work under pressure.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/adaptive"
	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/effectiveness"
	"github.com/notarikon-nz/notabot/internal/escalation"
	"github.com/notarikon-nz/notabot/internal/events"
	"github.com/notarikon-nz/notabot/internal/filter"
	"github.com/notarikon-nz/notabot/internal/platform"
	"github.com/notarikon-nz/notabot/pkg/utils"
)

var (
	// ErrQueueOverflow is returned when a bounded queue rejects work.
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrInternalInvariant marks conditions that should be impossible;
	// the affected worker logs it and is replaced.
	ErrInternalInvariant = errors.New("internal invariant violated")
)

// Backpressure thresholds as a fraction of queue capacity.
const (
	backpressureRaise = 0.80
	backpressureShed  = 0.95
)

// sweepInterval is how often idle ledger and history entries are
// garbage-collected.
const sweepInterval = 5 * time.Minute

// WorkClass orders outbound work for shedding: moderation is never
// shed, timers go before commands do.
type WorkClass int

const (
	ClassTimer WorkClass = iota
	ClassCommand
	ClassModeration
)

// outboundOp is one platform operation.
type outboundOp struct {
	kind      chat.ActionKind
	channel   string
	messageID string
	userID    string
	duration  time.Duration
	text      string
}

// outboundItem is the atomically emitted set of operations from one
// evaluation, or a single timer/command message.
type outboundItem struct {
	platform chat.Platform
	class    WorkClass
	ops      []outboundOp
}

// Sender is the outbound surface of a platform pool.
type Sender interface {
	SendMessage(ctx context.Context, channel, text string) error
	DeleteMessage(ctx context.Context, channel, messageID string) error
	TimeoutUser(ctx context.Context, channel, userID string, duration time.Duration, reason string) error
	BanUser(ctx context.Context, channel, userID, reason string) error
	Stats() platform.PoolStats
}

// Options sizes the dispatcher.
type Options struct {
	WorkerThreads int
	QueueSize     int
	// RequeueOnSendFailure puts a moderation item's failed operation and
	// the ones after it back on the outbound queue when delivery fails,
	// instead of dropping them. The requeue does not wait for room: when
	// the queue is full the item is dropped and logged.
	RequeueOnSendFailure bool
}

// Dispatcher owns the worker set and the outbound queue.
type Dispatcher struct {
	cfg       *config.Manager
	evaluator *filter.Evaluator
	ledger    *escalation.Ledger
	tracker   *effectiveness.Tracker
	history   *filter.History
	bus       *events.Bus
	params    *adaptive.Store
	pools     map[chat.Platform]Sender
	opts      Options
	logger    *zap.Logger

	onPressure func()
	messageTap func(msg *chat.Message, matched bool)

	workerQueues []chan *chat.Message
	outbound     chan outboundItem

	statsMu   sync.Mutex
	latencies *latencyRing
	processed uint64
	matched   uint64
	errors    uint64
	sendOK    map[chat.Platform]uint64
	sendFail  map[chat.Platform]uint64
}

// New creates a dispatcher. Pools are registered per platform before Run.
func New(
	cfg *config.Manager, evaluator *filter.Evaluator, ledger *escalation.Ledger,
	tracker *effectiveness.Tracker, history *filter.History, bus *events.Bus,
	params *adaptive.Store, pools map[chat.Platform]Sender,
	opts Options, logger *zap.Logger,
) *Dispatcher {
	if opts.WorkerThreads <= 0 {
		opts.WorkerThreads = 4
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}

	d := &Dispatcher{
		cfg:       cfg,
		evaluator: evaluator,
		ledger:    ledger,
		tracker:   tracker,
		history:   history,
		bus:       bus,
		params:    params,
		pools:     pools,
		opts:      opts,
		logger:    logger.Named("dispatcher"),
		outbound:  make(chan outboundItem, opts.QueueSize),
		latencies: newLatencyRing(),
		sendOK:    make(map[chat.Platform]uint64),
		sendFail:  make(map[chat.Platform]uint64),
	}

	d.workerQueues = make([]chan *chat.Message, opts.WorkerThreads)

	perWorker := opts.QueueSize / opts.WorkerThreads
	if perWorker < 16 {
		perWorker = 16
	}

	for i := range d.workerQueues {
		d.workerQueues[i] = make(chan *chat.Message, perWorker)
	}

	return d
}

// Run pumps inbound streams into the worker set and drives the outbound
// sender until ctx is canceled, then drains for up to drainBudget.
func (d *Dispatcher) Run(ctx context.Context, inbound []<-chan *chat.Message, drainBudget time.Duration) error {
	var wg conc.WaitGroup

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	for i := range d.workerQueues {
		queue := d.workerQueues[i]
		workerID := i

		wg.Go(func() { d.workerLoop(workCtx, workerID, queue) })
	}

	wg.Go(func() { d.senderLoop(workCtx) })
	wg.Go(func() { d.snapshotLoop(workCtx) })
	wg.Go(func() { d.sweepLoop(workCtx) })
	wg.Go(func() { d.backpressureLoop(workCtx) })

	var pumps conc.WaitGroup

	for _, stream := range inbound {
		src := stream

		pumps.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-src:
					if !ok {
						return
					}

					d.enqueue(msg)
				}
			}
		})
	}

	<-ctx.Done()

	pumps.Wait()

	// Two-phase shutdown: inbound stopped above; give workers and the
	// sender a bounded window to drain what is already queued.
	d.drain(drainBudget)

	cancelWork()
	wg.Wait()

	return ctx.Err()
}

// enqueue routes a message to the worker owning its (platform, channel,
// user) key so one user's messages are evaluated in arrival order.
func (d *Dispatcher) enqueue(msg *chat.Message) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(msg.Platform) + "\x00" + msg.Channel + "\x00" + msg.UserID))

	queue := d.workerQueues[h.Sum32()%uint32(len(d.workerQueues))]

	select {
	case queue <- msg:
	default:
		// Moderation input is never dropped silently; block and count
		// the stall.
		d.statsMu.Lock()
		d.errors++
		d.statsMu.Unlock()

		d.logger.Warn("Worker queue full, backpressuring inbound",
			zap.String("platform", string(msg.Platform)),
			zap.String("channel", msg.Channel))

		queue <- msg
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int, queue chan *chat.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Worker terminated by invariant violation, respawning",
				zap.Int("worker", workerID),
				zap.Any("panic", r),
				zap.Error(ErrInternalInvariant))

			go d.workerLoop(ctx, workerID, queue)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			d.process(msg)
		}
	}
}

// process runs one message through the pipeline against the snapshot
// current at entry.
func (d *Dispatcher) process(msg *chat.Message) {
	snap := d.cfg.Current()
	if snap == nil {
		return
	}

	role := msg.UserRole(false)

	decision := d.evaluator.Evaluate(msg, role, snap.Filters)

	d.statsMu.Lock()
	d.processed++
	d.latencies.add(float64(decision.Latency.Microseconds()) / 1000.0)

	if decision.Matched() {
		d.matched++
	}
	d.statsMu.Unlock()

	if d.messageTap != nil {
		d.messageTap(msg, decision.Matched())
	}

	if !decision.Matched() {
		return
	}

	d.bus.PublishModeration(events.ModerationEvent{
		MessageID:  msg.ID,
		UserID:     msg.UserID,
		FilterID:   decision.FilterID,
		Action:     decision.Action.Kind,
		Confidence: decision.Confidence,
		Reason:     utils.TruncateRunes(decision.Reason, 200),
		Timestamp:  msg.ArrivedAt,
	})

	item := buildOutbound(msg, decision)
	if len(item.ops) == 0 {
		return
	}

	select {
	case d.outbound <- item:
	default:
		// Moderation is never shed; block until there is room.
		d.outbound <- item
	}
}

// buildOutbound converts a decision into the all-or-none op set for the
// sender.
func buildOutbound(msg *chat.Message, decision chat.Decision) outboundItem {
	item := outboundItem{platform: msg.Platform, class: ClassModeration}

	action := decision.Action

	switch action.Kind {
	case chat.ActionDelete:
		item.ops = append(item.ops, outboundOp{
			kind: chat.ActionDelete, channel: msg.Channel, messageID: msg.ID,
		})
	case chat.ActionTimeout:
		item.ops = append(item.ops, outboundOp{
			kind: chat.ActionTimeout, channel: msg.Channel, userID: msg.UserID,
			duration: action.Duration, text: decision.Reason,
		})
	case chat.ActionBan:
		item.ops = append(item.ops, outboundOp{
			kind: chat.ActionBan, channel: msg.Channel, userID: msg.UserID, text: decision.Reason,
		})
	case chat.ActionWarn, chat.ActionLogOnly, chat.ActionPass:
	}

	if !decision.Silent && action.Message != "" && action.Kind != chat.ActionLogOnly {
		item.ops = append(item.ops, outboundOp{
			kind: chat.ActionWarn, channel: msg.Channel,
			text: "@" + msg.DisplayName + " " + action.Message,
		})
	}

	return item
}

// EnqueueAnnouncement queues a timer or command response. Timer work is
// shed once the outbound queue reaches the shed threshold; command
// responses are dropped only when the queue is full.
func (d *Dispatcher) EnqueueAnnouncement(p chat.Platform, channel, text string, class WorkClass) error {
	depth := float64(len(d.outbound)) / float64(cap(d.outbound))

	if depth >= backpressureShed && class == ClassTimer {
		return fmt.Errorf("%w: shedding %s work at %.0f%% depth", ErrQueueOverflow, className(class), depth*100)
	}

	item := outboundItem{
		platform: p,
		class:    class,
		ops:      []outboundOp{{kind: chat.ActionWarn, channel: channel, text: text}},
	}

	select {
	case d.outbound <- item:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full", ErrQueueOverflow)
	}
}

func className(class WorkClass) string {
	switch class {
	case ClassTimer:
		return "timer"
	case ClassCommand:
		return "command"
	default:
		return "moderation"
	}
}

func (d *Dispatcher) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.outbound:
			d.deliver(ctx, item)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item outboundItem) {
	pool, ok := d.pools[item.platform]
	if !ok {
		d.logger.Error("No pool for platform", zap.String("platform", string(item.platform)))
		return
	}

	if delay, err := d.params.Get(adaptive.ParamResponseDelayMS); err == nil && delay > 0 {
		if utils.ContextSleep(ctx, time.Duration(delay)*time.Millisecond) == utils.SleepCancelled {
			return
		}
	}

	for _, op := range item.ops {
		err := d.applyOp(ctx, pool, op)

		d.statsMu.Lock()
		if err != nil {
			d.sendFail[item.platform]++
		} else {
			d.sendOK[item.platform]++
		}
		d.statsMu.Unlock()

		if err == nil {
			continue
		}

		d.logger.Warn("Outbound operation failed",
			zap.String("platform", string(item.platform)),
			zap.Stringer("kind", op.kind),
			zap.Error(err))

		if item.class == ClassModeration && d.opts.RequeueOnSendFailure && ctx.Err() == nil {
			// Remaining ops ride along so the emission stays atomic.
			remaining := item
			remaining.ops = item.ops[opIndex(item.ops, op):]

			select {
			case d.outbound <- remaining:
			default:
				d.logger.Error("Outbound requeue failed, moderation op lost",
					zap.Error(ErrQueueOverflow))
			}
		}

		return
	}
}

func opIndex(ops []outboundOp, target outboundOp) int {
	for i := range ops {
		if ops[i] == target {
			return i
		}
	}

	return 0
}

func (d *Dispatcher) applyOp(ctx context.Context, pool Sender, op outboundOp) error {
	_, err := utils.WithRetry(ctx, func() (struct{}, error) {
		var err error

		switch op.kind {
		case chat.ActionDelete:
			err = pool.DeleteMessage(ctx, op.channel, op.messageID)
		case chat.ActionTimeout:
			err = pool.TimeoutUser(ctx, op.channel, op.userID, op.duration, op.text)
		case chat.ActionBan:
			err = pool.BanUser(ctx, op.channel, op.userID, op.text)
		default:
			err = pool.SendMessage(ctx, op.channel, op.text)
		}

		return struct{}{}, err
	}, utils.GetSendRetryOptions())

	return err
}

// snapshotLoop registers filters with the effectiveness tracker each
// time a new snapshot publishes, seeding community priors once.
func (d *Dispatcher) snapshotLoop(ctx context.Context) {
	updates := d.cfg.Subscribe()

	d.registerSnapshot(d.cfg.Current())

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			d.registerSnapshot(snap)
		}
	}
}

func (d *Dispatcher) registerSnapshot(snap *config.Snapshot) {
	if snap == nil {
		return
	}

	for _, f := range snap.Filters {
		d.tracker.Register(f.ID, f.AutoDisableThreshold)

		if prior, ok := snap.Priors[f.ID]; ok {
			d.tracker.SeedPriors(f.ID, prior)
		}
	}
}

// SetMessageTap registers a callback invoked for every processed
// message after evaluation, used by the timer line counter and the
// command dispatcher. The tap must not block.
func (d *Dispatcher) SetMessageTap(fn func(msg *chat.Message, matched bool)) {
	d.messageTap = fn
}

// SetPressureSignal registers the callback fired when inbound depth
// crosses the raise threshold, used to trigger an early adaptive tick.
func (d *Dispatcher) SetPressureSignal(fn func()) {
	d.onPressure = fn
}

// backpressureLoop raises response_delay_ms and signals the adaptive
// controller whenever queue depth crosses the raise threshold.
func (d *Dispatcher) backpressureLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			depth := d.QueueDepthPercent()
			if depth < backpressureRaise*100 {
				continue
			}

			delay, err := d.params.Get(adaptive.ParamResponseDelayMS)
			if err != nil {
				continue
			}

			next := delay * 1.5
			if next == 0 {
				next = 50
			}

			reason := fmt.Sprintf("inbound depth %.0f%%", depth)
			if _, err := d.params.Set(adaptive.ParamResponseDelayMS, next, reason, adaptive.Sample{}, now); err == nil {
				d.logger.Warn("Backpressure raised response delay",
					zap.Float64("depthPercent", depth),
					zap.Float64("delayMS", next))
			}

			if d.onPressure != nil {
				d.onPressure()
			}
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			retention := 24 * time.Hour
			if snap := d.cfg.Current(); snap != nil {
				retention = snap.LedgerRetention
			}

			d.ledger.Sweep(now, retention)
			d.history.Sweep(now, retention)
		}
	}
}

// drain waits for queues to empty or the budget to expire.
func (d *Dispatcher) drain(budget time.Duration) {
	deadline := time.Now().Add(budget)

	for time.Now().Before(deadline) {
		pending := len(d.outbound)

		for _, q := range d.workerQueues {
			pending += len(q)
		}

		if pending == 0 {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}

	d.logger.Warn("Drain budget expired with work pending")
}

// ResolveAppeal applies an appeal verdict: accepted appeals decrement
// the offender's level and raise the filter's false-positive count.
func (d *Dispatcher) ResolveAppeal(msg events.AppealEvent, filterID string, platform chat.Platform) {
	accepted := msg.Decision == events.AppealAccepted

	d.tracker.RecordAppeal(filterID, accepted)

	if accepted {
		userKey := escalation.UserKey(platform, msg.UserID)
		d.ledger.Forgive(userKey, filterID, time.Now())
	}

	d.bus.PublishAppeal(msg)
}

// QueueDepthPercent reports the fullest queue as a percentage of its
// capacity, the backpressure signal for the adaptive controller.
func (d *Dispatcher) QueueDepthPercent() float64 {
	depth := float64(len(d.outbound)) / float64(cap(d.outbound))

	for _, q := range d.workerQueues {
		if frac := float64(len(q)) / float64(cap(q)); frac > depth {
			depth = frac
		}
	}

	return depth * 100
}

// Sample implements adaptive.Sampler over the dispatcher's counters and
// the pool health beneath it.
func (d *Dispatcher) Sample(_ time.Time) adaptive.Sample {
	d.statsMu.Lock()

	sample := adaptive.Sample{
		P50LatencyMS:       d.latencies.percentile(50),
		P95LatencyMS:       d.latencies.percentile(95),
		SendSuccessPercent: make(map[string]float64, len(d.sendOK)),
	}

	if d.processed > 0 {
		sample.MatchRatePercent = float64(d.matched) / float64(d.processed) * 100
		sample.ErrorRatePercent = float64(d.errors) / float64(d.processed) * 100
	}

	for p, ok := range d.sendOK {
		total := ok + d.sendFail[p]
		if total > 0 {
			sample.SendSuccessPercent[string(p)] = float64(ok) / float64(total) * 100
		}
	}
	d.statsMu.Unlock()

	var utilization float64

	for _, pool := range d.pools {
		if u := pool.Stats().UtilizationPercent(); u > utilization {
			utilization = u
		}
	}

	sample.PoolUtilizationPercent = utilization
	sample.QueueDepthPercent = d.QueueDepthPercent()

	return sample
}
