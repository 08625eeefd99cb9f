// Package manager implements the SPU Manager: the coarse monitor
// serializing update/subscribe/unsubscribe admission, the barrier protocol
// that coordinates per-SPU processing around an update, and the sole
// mutator of the subscription registry.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"sepabroker/internal/endpoint"
	"sepabroker/internal/fanout"
	"sepabroker/internal/logging"
	"sepabroker/internal/rdf"
	"sepabroker/internal/registry"
	"sepabroker/internal/sparql"
	"sepabroker/internal/spu"
)

// MetricsSink is the narrow capability the Manager reports barrier/timeout
// observations through; internal/metrics implements it. Nil-safe: a nil
// sink is simply not called.
type MetricsSink interface {
	ObserveBarrier(phase Phase, d time.Duration, timedOut bool)
	ObserveActiveSPUs(n int)
	ObserveNotification(tag fanout.Tag)
}

// JournalSink is the narrow capability the Manager reports applied updates
// and emitted notifications through; internal/journal implements it.
type JournalSink interface {
	AppendUpdate(appliedAt time.Time, text, principal string, succeeded bool, errText string)
	AppendNotification(spuid string, seq uint64, tag string, bindingCount int)
}

// FirehoseSink receives every notification the Manager emits, across every
// SPU, independent of which gateway delivered the underlying subscription.
// internal/grpcstream implements it to offer out-of-process consumers the
// raw fan-out stream generalized beyond a single gateway's connections.
type FirehoseSink interface {
	Publish(n fanout.Notification)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithPerSPUTimeout overrides the default per-SPU barrier timeout.
func WithPerSPUTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.perSPUTimeout = d
		}
	}
}

// WithFilterMode selects how update() narrows the active SPU set.
func WithFilterMode(mode FilterMode) Option {
	return func(m *Manager) { m.filterMode = mode }
}

// WithMetricsSink attaches a metrics observer.
func WithMetricsSink(sink MetricsSink) Option {
	return func(m *Manager) { m.metrics = sink }
}

// WithJournalSink attaches a journal observer.
func WithJournalSink(sink JournalSink) Option {
	return func(m *Manager) { m.journal = sink }
}

// WithFirehoseSink attaches a collaborator that observes every notification
// the Manager emits, regardless of which SPU or gateway it belongs to.
func WithFirehoseSink(sink FirehoseSink) Option {
	return func(m *Manager) { m.firehose = sink }
}

// WithDependabilityNotifier attaches the collaborator notified on a clean
// unsubscribe.
func WithDependabilityNotifier(n DependabilityNotifier) Option {
	return func(m *Manager) { m.dependability = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager is the SPU Manager. Two locks split its concurrency contract:
//
//   - admit serializes Update/Subscribe/Unsubscribe admission. It is held
//     for the entire body of each, including across barrier waits, so no
//     new admission interleaves with a barrier in progress and exactly one
//     update evaluates at a time.
//   - mu is the monitor guarding the registry, the processing pool, and
//     the barrier generation. Admitted operations take it after admit; the
//     barrier waits release it only inside cond.Wait, which is how worker
//     acknowledgements and notifications re-enter while an update is
//     suspended.
//
// Lock order is always admit before mu; workers take only mu.
type Manager struct {
	admit sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond

	reg *registry.Registry
	ep  endpoint.Endpoint
	// spus mirrors reg's SPU set but keeps the spuWorker view (the SPU
	// lifecycle methods) so the Manager can call them directly; the registry
	// only ever sees the narrow SPUHandle interface.
	spus map[string]spuWorker

	perSPUTimeout time.Duration
	filterMode    FilterMode
	dependability DependabilityNotifier
	metrics       MetricsSink
	journal       JournalSink
	firehose      FirehoseSink
	log           *logging.Logger

	// pool holds the spuids of the barrier in flight; generation stamps
	// which barrier dispatched a worker, so acknowledgements from an
	// abandoned barrier cannot drain a later one.
	pool       map[string]struct{}
	generation uint64
}

// New constructs a Manager bound to ep, the default endpoint collaborator.
func New(ep endpoint.Endpoint, opts ...Option) *Manager {
	m := &Manager{
		reg:           registry.New(),
		ep:            ep,
		spus:          make(map[string]spuWorker),
		perSPUTimeout: 5 * time.Second,
		filterMode:    FilterAll,
		log:           logging.L(),
		pool:          make(map[string]struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSPUProcessingTimeout updates ONLY the per-SPU barrier timeout. It
// must never touch the active-SPU gauge -- that reading lives in
// internal/metrics and is read-only from here.
func (m *Manager) SetSPUProcessingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perSPUTimeout = d
}

// Update ingests a SPARQL update: pre-barrier, endpoint mutation,
// post-barrier.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*UpdateResponse, error) {
	m.admit.Lock()
	defer m.admit.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	parsed, err := sparql.ParseUpdate(req.Text, req.UsingGraphs, req.UsingNamed, req.Principal)
	if err != nil {
		return nil, errPreUpdateProcessingFailed(err.Error())
	}

	live := make([]spuWorker, 0, len(m.spus))
	for _, s := range m.spus {
		live = append(live, s)
	}
	active := m.filter(req, live)

	// Pre-barrier: timeout scales with pool size.
	preTimeout := m.perSPUTimeout * time.Duration(len(active))
	if preTimeout <= 0 {
		preTimeout = m.perSPUTimeout
	}
	preStart := time.Now()
	completed := m.runBarrierLocked(active, preTimeout, func(s spuWorker, gen uint64) {
		s.PreUpdateProcessing(parsed, gen)
	})
	m.observeBarrier(PhasePre, time.Since(preStart), !completed)
	if !completed {
		m.log.Warn("pre-update barrier timed out",
			logging.Phase(string(PhasePre)),
			logging.Int("pool_size", len(active)),
			logging.String("principal", req.Principal))
		return nil, errTimeout(PhasePre)
	}

	result := m.ep.Update(ctx, parsed)
	m.recordUpdateJournal(parsed, result)

	// Post-barrier: scalar timeout, not scaled by pool size. Post is a
	// diff+emit, not a speculative pre-check.
	postStart := time.Now()
	completedPost := m.runBarrierLocked(active, m.perSPUTimeout, func(s spuWorker, gen uint64) {
		s.PostUpdateProcessing(ctx, result, gen)
	})
	m.observeBarrier(PhasePost, time.Since(postStart), !completedPost)
	if !completedPost {
		m.log.Warn("post-update barrier timed out",
			logging.Phase(string(PhasePost)),
			logging.Int("pool_size", len(active)),
			logging.String("principal", req.Principal))
		return nil, errTimeout(PhasePost)
	}

	if !result.Succeeded {
		if errors.Is(result.Err, endpoint.ErrAuth) {
			return nil, errAuth(result.Body)
		}
		body := result.Body
		if result.Err != nil {
			body = result.Err.Error()
		}
		return nil, errEndpoint(body)
	}
	return &UpdateResponse{Body: result.Body}, nil
}

// Subscribe resolves req to an SPU (existing or freshly created), attaches
// a new Subscriber, and returns the initial snapshot.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest, sink registry.EventSink) (*SubscribeResponse, error) {
	m.admit.Lock()
	defer m.admit.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	query, err := sparql.ParseSelect(req.QueryText, req.DefaultGraphs, req.NamedGraphs)
	if err != nil {
		return nil, errBadRequest(err.Error())
	}
	fp := rdf.ComputeFingerprint(req.QueryText, req.DefaultGraphs, req.NamedGraphs)

	sid := logging.GenerateTraceID()

	if existing, ok := m.reg.GetSPU(fp); ok {
		s := m.spus[existing.SPUID()]
		sub, err := m.reg.AddSubscriber(sid, req.GID, existing.SPUID(), sink)
		if err != nil {
			return nil, errEndpoint(err.Error())
		}
		bindings := s.LastBindings().Rows()
		m.deliverInitialSnapshot(s, sub, bindings)
		return &SubscribeResponse{SID: sid, SPUID: existing.SPUID(), Alias: req.Alias, InitialBindings: bindings}, nil
	}

	spuid := logging.GenerateTraceID()
	predicate := spu.Predicate{Query: query, DefaultGraphs: req.DefaultGraphs, NamedGraphs: req.NamedGraphs}
	s := spu.New(spuid, fp, predicate, m.ep, m)

	bindings, err := s.Init(ctx)
	if err != nil {
		// init() failure destroys the SPU before registration.
		return nil, errEndpoint(err.Error())
	}

	if err := m.reg.Register(fp, s); err != nil {
		return nil, errEndpoint(err.Error())
	}
	m.spus[spuid] = s

	sub, err := m.reg.AddSubscriber(sid, req.GID, spuid, sink)
	if err != nil {
		return nil, errEndpoint(err.Error())
	}
	m.deliverInitialSnapshot(s, sub, bindings.Rows())

	return &SubscribeResponse{SID: sid, SPUID: spuid, Alias: req.Alias, InitialBindings: bindings.Rows()}, nil
}

func (m *Manager) deliverInitialSnapshot(s spuWorker, sub *registry.Subscriber, bindings []rdf.Binding) {
	n := fanout.Notification{
		SPUID:    s.SPUID(),
		Sequence: s.InitialSnapshotSequence(),
		Tag:      fanout.TagInitialSnapshot,
		Bindings: bindings,
	}
	if err := sub.Sink.Deliver(fanout.ToFrame(n)); err != nil {
		m.log.Warn("initial snapshot delivery failed",
			logging.SPUID(n.SPUID), logging.Sequence(n.Sequence), logging.Error(err))
	}
	m.observeNotification(n.Tag)
	m.recordNotificationJournal(n)
	m.publishFirehose(n)
}

// Unsubscribe removes a subscriber, terminating its SPU if it was the last
// one attached, and notifies the dependability collaborator.
func (m *Manager) Unsubscribe(sid, gid string) (*UnsubscribeResponse, error) {
	return m.unsubscribe(sid, gid, true)
}

// KillSubscription behaves like Unsubscribe but skips the dependability
// notification -- used when the gateway already knows the connection is
// dead.
func (m *Manager) KillSubscription(sid, gid string) (*UnsubscribeResponse, error) {
	return m.unsubscribe(sid, gid, false)
}

func (m *Manager) unsubscribe(sid, gid string, notifyDependability bool) (*UnsubscribeResponse, error) {
	m.admit.Lock()
	defer m.admit.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.reg.GetSubscriber(sid)
	if err != nil {
		return nil, errSIDNotFound(sid)
	}
	spuid := sub.SPUID
	becameEmpty := m.reg.RemoveSubscriber(sub)

	if becameEmpty {
		if s, ok := m.spus[spuid]; ok {
			terminated := s.Finish("Unsubscribed")
			remaining := m.reg.TerminateSPU(spuid, s.Fingerprint())
			delete(m.spus, spuid)
			m.log.Info("SPU terminated: last subscriber removed",
				logging.SPUID(spuid), logging.NotificationTag(string(terminated.Tag)))
			// remaining is empty on this path (becameEmpty means
			// spu_subscribers just emptied), but TerminateSPU reports any
			// subscribers still attached so their sinks see Terminated.
			for _, sub := range remaining {
				if err := sub.Sink.Deliver(fanout.ToFrame(terminated)); err != nil {
					m.log.Warn("terminated delivery failed",
						logging.SPUID(spuid), logging.String("gid", sub.GID), logging.Error(err))
				}
			}
			m.publishFirehose(terminated)
			m.recordNotificationJournal(terminated)
		}
	}

	if notifyDependability && m.dependability != nil {
		m.dependability.SubscriberRemoved(sid, gid, spuid)
	}

	return &UnsubscribeResponse{SID: sid}, nil
}

// EndOfProcessing implements spu.Completer: it removes spuid from the
// current processing pool and, if the pool becomes empty, wakes the
// barrier's waiter. gen is the generation the worker was dispatched under;
// an acknowledgement whose generation does not match the current barrier,
// or whose spuid is not in the current pool, is a straggler from an
// already-completed or abandoned barrier and is ignored.
func (m *Manager) EndOfProcessing(spuid string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if _, ok := m.pool[spuid]; !ok {
		return
	}
	delete(m.pool, spuid)
	if len(m.pool) == 0 {
		m.cond.Broadcast()
	}
}

// ExceptionOnProcessing implements spu.Completer identically to
// EndOfProcessing: a failed phase still counts as "done" for barrier
// purposes, so the barrier can advance past an SPU whose evaluation
// failed.
func (m *Manager) ExceptionOnProcessing(spuid string, gen uint64) {
	m.EndOfProcessing(spuid, gen)
}

// NotifyEvent implements spu.Completer: ingress from an SPU for the
// fan-out. A notification whose generation does not match the barrier in
// flight, whose SPU left the pool, or whose SPU is no longer live is a
// straggler and is dropped. Delivery happens under the monitor, which the
// suspended barrier wait has released, so registry reads here cannot
// overlap a registry mutation.
func (m *Manager) NotifyEvent(n fanout.Notification, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if _, ok := m.pool[n.SPUID]; !ok {
		return
	}
	if _, ok := m.spus[n.SPUID]; !ok {
		return
	}

	fanout.Deliver(m.reg, n, func(gid string) {
		m.log.Warn("subscriber connection lost during delivery",
			logging.SPUID(n.SPUID), logging.String("gid", gid), logging.NotificationTag(string(n.Tag)))
	})
	m.log.Debug("notification emitted",
		logging.SPUID(n.SPUID), logging.Sequence(n.Sequence),
		logging.NotificationTag(string(n.Tag)), logging.BindingCount(len(n.Bindings)))
	m.observeNotification(n.Tag)
	m.recordNotificationJournal(n)
	m.publishFirehose(n)
}

func (m *Manager) publishFirehose(n fanout.Notification) {
	if m.firehose != nil {
		m.firehose.Publish(n)
	}
}

// runBarrierLocked opens a new barrier generation, dispatches fn to every
// spu in active on its own goroutine, then waits for all of them to
// acknowledge via EndOfProcessing/ExceptionOnProcessing, bounded by
// timeout. Must be called with m.mu held; it releases the lock while
// waiting (via cond) and reacquires it before returning, matching the
// monitor's suspension-point model.
func (m *Manager) runBarrierLocked(active []spuWorker, timeout time.Duration, fn func(spuWorker, uint64)) bool {
	m.generation++
	gen := m.generation
	pool := make(map[string]struct{}, len(active))
	for _, s := range active {
		pool[s.SPUID()] = struct{}{}
	}
	m.pool = pool

	for _, s := range active {
		s := s
		go fn(s, gen)
	}

	completed := m.waitPoolEmptyLocked(timeout)
	// Reset the pool whether the barrier drained or timed out; together
	// with the generation check this keeps a late acknowledgement from an
	// abandoned barrier from draining a later one that contains the same
	// SPU.
	m.pool = make(map[string]struct{})
	return completed
}

// waitPoolEmptyLocked blocks until the processing pool drains or timeout
// elapses, whichever comes first. It must be called with m.mu held: cond.Wait
// atomically releases m.mu while blocked and reacquires it before
// returning, which is what lets EndOfProcessing/ExceptionOnProcessing --
// called from other goroutines -- take the same lock while this call is
// suspended.
//
// sync.Cond has no built-in deadline, so a timer goroutine wakes the
// waiter via Broadcast once the deadline passes; the loop then observes
// the deadline has elapsed and reports timeout.
func (m *Manager) waitPoolEmptyLocked(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	for len(m.pool) > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		m.cond.Wait()
	}
	return true
}

func (m *Manager) observeBarrier(phase Phase, d time.Duration, timedOut bool) {
	if m.metrics != nil {
		m.metrics.ObserveBarrier(phase, d, timedOut)
		m.metrics.ObserveActiveSPUs(len(m.spus))
	}
}

func (m *Manager) observeNotification(tag fanout.Tag) {
	if m.metrics != nil {
		m.metrics.ObserveNotification(tag)
	}
}

func (m *Manager) recordUpdateJournal(u sparql.Update, result endpoint.UpdateResult) {
	if m.journal == nil {
		return
	}
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	m.journal.AppendUpdate(time.Now(), u.Text, u.Principal, result.Succeeded, errText)
}

func (m *Manager) recordNotificationJournal(n fanout.Notification) {
	if m.journal == nil {
		return
	}
	m.journal.AppendNotification(n.SPUID, n.Sequence, string(n.Tag), len(n.Bindings))
}
