// Package offline is the per-process context object of the sync engine. It
// owns the action queue, entity cache, executor, connectivity monitor and
// progress engine, and exposes the producer API used by the CLI.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/entitycache"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/netmon"
	"github.com/marcus/fitsync/internal/progress"
	"github.com/marcus/fitsync/internal/remote"
	fssync "github.com/marcus/fitsync/internal/sync"
)

var (
	ErrNotInitialized = errors.New("service not initialized")
	ErrEmptyID        = errors.New("empty entity id")
)

// Options configure a Service. Blobs and Remote are required.
type Options struct {
	Blobs   blobstore.Store
	Remote  remote.Store
	Catalog *catalog.Catalog

	// Monitor is created in the InitialOnline state when nil.
	Monitor       *netmon.Monitor
	InitialOnline bool
	Providers     []netmon.Provider

	OwnerID string
	Sync    fssync.Options
	// MaxAttempts is the outer attempt budget given to queued actions.
	MaxAttempts int

	// AutoSyncInterval enables periodic drains in Start. MinSyncInterval
	// skips a periodic drain when one succeeded more recently.
	AutoSyncInterval time.Duration
	MinSyncInterval  time.Duration

	Now func() time.Time
}

// Status is the process-wide sync state.
type Status struct {
	Online          bool       `json:"online"`
	QueueLength     int        `json:"queue_length"`
	InProgress      bool       `json:"sync_in_progress"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt"`
	StorageFailures int64      `json:"storage_failures"`
	DataAtRisk      bool       `json:"data_at_risk"`
}

// Service wires the engine's components together.
type Service struct {
	opts Options

	queue       *actionqueue.Queue
	cache       *entitycache.Cache
	exec        *fssync.Executor
	monitor     *netmon.Monitor
	engine      *progress.Engine
	completions *events.Bus[events.Completion]

	mu          sync.Mutex
	bg          context.Context
	initialized bool
	tasks       sync.WaitGroup
}

// New builds a service. Call Initialize before use.
func New(opts Options) (*Service, error) {
	if opts.Blobs == nil {
		return nil, errors.New("offline: blob store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("offline: remote store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OwnerID == "" {
		opts.OwnerID = actionqueue.GuestOwner
	}
	if opts.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return nil, fmt.Errorf("load default catalog: %w", err)
		}
		opts.Catalog = cat
	}
	if opts.Sync.Now == nil {
		opts.Sync.Now = opts.Now
	}

	s := &Service{
		opts:        opts,
		queue:       actionqueue.New(opts.Blobs),
		cache:       entitycache.New(opts.Blobs),
		monitor:     opts.Monitor,
		completions: events.NewBus[events.Completion]("completions"),
		bg:          context.Background(),
	}
	s.queue.SetClock(opts.Now)
	s.queue.SetDefaultMaxAttempts(opts.MaxAttempts)
	s.cache.SetClock(opts.Now)
	if s.monitor == nil {
		s.monitor = netmon.New(opts.InitialOnline)
	}
	reconcile := make(map[string]fssync.Reconciler, len(opts.Sync.Reconcile)+3)
	for coll, fn := range opts.Sync.Reconcile {
		reconcile[coll] = fn
	}
	for _, coll := range progress.ReconciledCollections() {
		if _, ok := reconcile[string(coll)]; !ok {
			reconcile[string(coll)] = progress.ReconcileRow
		}
	}
	opts.Sync.Reconcile = reconcile
	s.exec = fssync.NewExecutor(s.queue, opts.Remote, s.monitor, opts.Sync)
	return s, nil
}

// Initialize loads the queue and cache from durable storage, restores the
// owner's progress records and arms reconnect-triggered sync. Background
// work started later derives from ctx. A corrupt blob is logged and the
// affected component starts empty.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	if err := s.queue.Load(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("offline: queue load failed, starting empty", "err", err)
	}
	if err := s.cache.Load(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("offline: cache load failed, starting empty", "err", err)
	}

	s.bg = ctx
	s.engine = progress.NewEngine(ctx, s.opts.Catalog, progress.Deps{
		Remote:      s.opts.Remote,
		Queue:       s.queue,
		Cache:       s.cache,
		Completions: s.completions,
		Now:         s.opts.Now,
	})
	s.engine.Restore(s.opts.OwnerID)
	s.monitor.OnReconnect(s.onReconnect)
	s.initialized = true

	slog.Info("offline: initialized", "owner", s.opts.OwnerID, "queued", s.queue.Len(), "cached", s.cache.Len(), "online", s.monitor.Online())
	return nil
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// onReconnect runs on the monitor's goroutine and must not block.
func (s *Service) onReconnect() {
	s.spawn("reconnect drain", func(ctx context.Context) {
		res := s.exec.Drain(ctx)
		if !res.Success {
			slog.Warn("offline: reconnect drain reported failures", "failed", res.Failed, "errors", res.Errors)
		}
	})
}

// spawn runs fn in a tracked goroutine; Wait blocks until it returns.
func (s *Service) spawn(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	ctx := s.bg
	s.mu.Unlock()

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		slog.Debug("offline: task started", "task", name)
		fn(ctx)
	}()
}

// Wait blocks until background drains and achievement writes finish.
func (s *Service) Wait() {
	s.tasks.Wait()
	if s.engine != nil {
		s.engine.Wait()
	}
}

// Start runs connectivity providers and periodic sync until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if len(s.opts.Providers) > 0 {
		g.Go(func() error { return netmon.Watch(gctx, s.monitor, s.opts.Providers...) })
	}
	if s.opts.AutoSyncInterval > 0 {
		g.Go(func() error { return s.autoSync(gctx) })
	}
	err := g.Wait()
	s.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) autoSync(ctx context.Context) error {
	tick := func() {
		res, ran := s.exec.DrainIfDue(ctx, s.opts.MinSyncInterval)
		if ran && !res.Success {
			slog.Warn("offline: periodic sync reported failures", "failed", res.Failed)
		}
	}
	tick()
	ticker := time.NewTicker(s.opts.AutoSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

// QueueAction enqueues a raw remote write.
func (s *Service) QueueAction(ctx context.Context, in actionqueue.Input) (actionqueue.Action, error) {
	if err := s.ready(); err != nil {
		return actionqueue.Action{}, err
	}
	if in.OwnerID == "" {
		in.OwnerID = s.opts.OwnerID
	}
	return s.queue.Enqueue(ctx, in)
}

// OptimisticCreate caches a new record and queues its insert. The record id
// is taken from data["id"] when present, otherwise a ULID is generated.
func (s *Service) OptimisticCreate(ctx context.Context, collection string, data map[string]any, owner string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	coll := normalize(collection)
	record := make(map[string]any, len(data)+1)
	for k, v := range data {
		record[k] = v
	}
	id := remote.IDOf(record["id"])
	if id == "" {
		id = ulid.Make().String()
	}
	record["id"] = id
	owner = s.owner(owner)
	if _, ok := record["owner_id"]; !ok {
		record["owner_id"] = owner
	}

	if err := s.cache.Put(ctx, entitycache.Key(coll, id), record); err != nil {
		return "", err
	}
	if _, err := s.queue.Enqueue(ctx, actionqueue.Input{
		Operation:  events.OpCreate,
		Collection: coll,
		Data:       record,
		OwnerID:    owner,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// OptimisticUpdate overwrites the cached record with data and queues the
// update. The cache keeps the whole record last written.
func (s *Service) OptimisticUpdate(ctx context.Context, collection, id string, data map[string]any, owner string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if id == "" {
		return ErrEmptyID
	}
	coll := normalize(collection)
	record := make(map[string]any, len(data)+1)
	for k, v := range data {
		record[k] = v
	}
	record["id"] = id

	if err := s.cache.Put(ctx, entitycache.Key(coll, id), record); err != nil {
		return err
	}
	_, err := s.queue.Enqueue(ctx, actionqueue.Input{
		Operation:  events.OpUpdate,
		Collection: coll,
		Data:       record,
		OwnerID:    s.owner(owner),
	})
	return err
}

// OptimisticDelete drops the cached record and queues the delete.
func (s *Service) OptimisticDelete(ctx context.Context, collection, id, owner string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if id == "" {
		return ErrEmptyID
	}
	coll := normalize(collection)
	s.cache.Remove(ctx, entitycache.Key(coll, id))
	_, err := s.queue.Enqueue(ctx, actionqueue.Input{
		Operation:  events.OpDelete,
		Collection: coll,
		Data:       map[string]any{"id": id},
		OwnerID:    s.owner(owner),
	})
	return err
}

// Drain runs one sync cycle.
func (s *Service) Drain(ctx context.Context) fssync.Result {
	return s.exec.Drain(ctx)
}

// ForceSync drains now, ignoring when the last sync happened.
func (s *Service) ForceSync(ctx context.Context) fssync.Result {
	return s.exec.ForceSync(ctx)
}

// SyncStatus reports the current sync state.
func (s *Service) SyncStatus() Status {
	st := Status{
		Online:          s.monitor.Online(),
		QueueLength:     s.queue.Len(),
		InProgress:      s.exec.InProgress(),
		StorageFailures: s.queue.StorageFailures() + s.cache.StorageFailures(),
	}
	if t := s.exec.LastAttempt(); !t.IsZero() {
		st.LastSyncAttempt = &t
	}
	st.DataAtRisk = st.StorageFailures > 0
	return st
}

// SubscribeToCompletionEvents registers fn for every completion.
func (s *Service) SubscribeToCompletionEvents(fn func(events.Completion)) func() {
	return s.completions.Subscribe(fn)
}

// SubscribeToUnlocks registers fn for achievement unlocks.
func (s *Service) SubscribeToUnlocks(fn func(events.Unlock)) func() {
	if err := s.ready(); err != nil {
		return func() {}
	}
	return s.engine.Unlocks.Subscribe(fn)
}

// SubscribeToConnectivity registers fn for online/offline transitions.
func (s *Service) SubscribeToConnectivity(fn func(bool)) func() {
	return s.monitor.Subscribe(fn)
}

// Complete marks a workout, meal or achievement subject as completed.
func (s *Service) Complete(ctx context.Context, kind events.Kind, subject string) (progress.Record, error) {
	if err := s.ready(); err != nil {
		return progress.Record{}, err
	}
	t, ok := s.engine.Tracker(kind)
	if !ok || kind == events.KindHydration {
		return progress.Record{}, fmt.Errorf("complete: unsupported kind %q", kind)
	}
	return t.Complete(ctx, s.opts.OwnerID, subject)
}

// SetProgress records partial progress for a subject.
func (s *Service) SetProgress(ctx context.Context, kind events.Kind, subject string, value float64) (progress.Record, error) {
	if err := s.ready(); err != nil {
		return progress.Record{}, err
	}
	t, ok := s.engine.Tracker(kind)
	if !ok || kind == events.KindHydration {
		return progress.Record{}, fmt.Errorf("set progress: unsupported kind %q", kind)
	}
	return t.SetProgress(ctx, s.opts.OwnerID, subject, value)
}

// AddWater logs a water intake now.
func (s *Service) AddWater(ctx context.Context, ml float64) (progress.Record, error) {
	if err := s.ready(); err != nil {
		return progress.Record{}, err
	}
	return s.engine.Hydration.AddWater(ctx, s.opts.OwnerID, s.opts.Now(), ml)
}

// Refresh merges remote progress for the owner into local state.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.engine.Load(ctx, s.opts.OwnerID)
}

// ConsumedCalories sums completed meals scheduled on day.
func (s *Service) ConsumedCalories(day time.Weekday) float64 {
	if s.ready() != nil {
		return 0
	}
	return s.engine.ConsumedCalories(day)
}

// Summary returns today's aggregates.
func (s *Service) Summary() progress.Summary {
	if s.ready() != nil {
		return progress.Summary{}
	}
	return s.engine.Summary(s.opts.Now())
}

// Records returns the records of kind.
func (s *Service) Records(kind events.Kind) []progress.Record {
	if s.ready() != nil {
		return nil
	}
	t, ok := s.engine.Tracker(kind)
	if !ok {
		return nil
	}
	return t.Records()
}

// PendingActions returns a snapshot of queued actions in FIFO order.
func (s *Service) PendingActions() []actionqueue.Action { return s.queue.Drainable() }

// Queue exposes the action queue for inspection and maintenance.
func (s *Service) Queue() *actionqueue.Queue { return s.queue }

// Cache exposes the entity cache.
func (s *Service) Cache() *entitycache.Cache { return s.cache }

// Monitor exposes the connectivity monitor.
func (s *Service) Monitor() *netmon.Monitor { return s.monitor }

// Catalog returns the loaded definitions.
func (s *Service) Catalog() *catalog.Catalog { return s.opts.Catalog }

// Owner returns the id actions are attributed to.
func (s *Service) Owner() string { return s.opts.OwnerID }

// Close detaches internal subscriptions and waits for background work.
func (s *Service) Close() {
	s.Wait()
	if s.engine != nil {
		s.engine.Close()
	}
}

func (s *Service) owner(o string) string {
	if o == "" {
		return s.opts.OwnerID
	}
	return o
}

func normalize(collection string) string {
	c, _ := events.NormalizeCollection(collection)
	return string(c)
}
