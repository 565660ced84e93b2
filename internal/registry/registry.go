// Package registry is the service catalog: instances register with their
// capabilities and event types, are discovered through set-indexed queries,
// kept alive by heartbeats, probed for health and reaped when stale.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

// ErrServiceNotFound is wrapped when an update targets a missing service.
var ErrServiceNotFound = errors.New("service not found")

const (
	serviceKeyPrefix  = "service:"
	indexKeyPrefix    = "services:"
	nameIndexPrefix   = indexKeyPrefix + "name:"
	localCacheSize    = 1024
	defaultHealthPath = "/health"
)

func serviceKey(id string) string { return serviceKeyPrefix + id }

// indexKeys lists every set an instance is a member of.
func indexKeys(info *service.Info) []string {
	keys := []string{
		nameIndexPrefix + info.Name,
		"services:type:" + info.Type,
	}
	for _, c := range info.Capabilities {
		keys = append(keys, "services:capability:"+c)
	}
	for _, t := range info.EventTypes.Publishes {
		keys = append(keys, "services:publishes:"+t)
	}
	for _, t := range info.EventTypes.Subscribes {
		keys = append(keys, "services:subscribes:"+t)
	}
	return keys
}

// Substrate is the capability the registry needs.
type Substrate interface {
	substrate.KeyValue
	substrate.PubSub
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLocker guards stale cleanup so one process reaps per cycle.
func WithLocker(l substrate.Locker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithProber overrides the health prober for a protocol.
func WithProber(protocol string, p Prober) Option {
	return func(r *Registry) { r.probers[protocol] = p }
}

// WithBalancer replaces the load balancer state.
func WithBalancer(b *Balancer) Option {
	return func(r *Registry) { r.balancer = b }
}

// Registry is the service registry.
type Registry struct {
	kv       Substrate
	cfg      config.RegistryConfig
	logger   *zap.Logger
	signals  *signal.Emitter
	locker   substrate.Locker
	probers  map[string]Prober
	balancer *Balancer
	cache    *expirable.LRU[string, *service.Info]
	burst    *rate.Limiter
	origin   string
	now      func() time.Time

	// writeMu serializes read-modify-write of records within the process.
	// Across processes the last writer wins.
	writeMu sync.Mutex

	mu        sync.Mutex
	local     *service.Info
	failures  map[string]int
	heartbeat bool
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	cron   *cron.Cron
}

// New creates a registry.
func New(kv Substrate, cfg config.RegistryConfig, logger *zap.Logger, opts ...Option) *Registry {
	logger = logger.Named("registry")
	ctx, cancel := context.WithCancel(context.Background())

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	r := &Registry{
		kv:       kv,
		cfg:      cfg,
		logger:   logger,
		signals:  signal.NewEmitter("registry", signal.DefaultConfig),
		balancer: NewBalancer(),
		cache:    expirable.NewLRU[string, *service.Info](localCacheSize, nil, cacheTTL),
		origin:   uuid.NewString(),
		now:      time.Now,
		failures: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		probers: map[string]Prober{
			"http":  NewHTTPProber(nil),
			"https": NewHTTPProber(nil),
			"grpc":  NewGRPCProber(logger),
		},
	}
	if cfg.BurstLimit > 0 && cfg.BurstWindow > 0 {
		r.burst = rate.NewLimiter(rate.Every(cfg.BurstWindow/time.Duration(cfg.BurstLimit)), cfg.BurstLimit)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Signals returns the registry signal emitter.
func (r *Registry) Signals() *signal.Emitter {
	return r.signals
}

// Balancer returns the load balancer state.
func (r *Registry) Balancer() *Balancer {
	return r.balancer
}

// LocalServiceID returns the id of the service this process registered last.
func (r *Registry) LocalServiceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local == nil {
		return ""
	}
	return r.local.ID
}

// RegisterService stores a new instance and returns its generated id. The
// instance becomes this process's local service, kept alive by heartbeats.
func (r *Registry) RegisterService(ctx context.Context, info service.Info) (string, error) {
	rec := info.Clone()
	now := r.now().UTC()
	rec.ID = uuid.NewString()
	rec.RegisteredAt = now
	rec.LastSeen = now
	if rec.Status == "" {
		rec.Status = service.StatusStarting
	}
	if rec.HeartbeatInterval <= 0 {
		rec.HeartbeatInterval = r.heartbeatInterval()
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]interface{}{}
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}

	if r.burst != nil && !r.burst.Allow() {
		r.signals.Emit(SignalAlert, Alert{
			Kind:      AlertRegistrationBurst,
			ServiceID: rec.ID,
			Service:   rec.Name,
			At:        now,
		}, nil)
		r.logger.Warn("rapid registration burst", zap.String("service", rec.Name))
	}

	data, err := codec.Marshal(rec)
	if err != nil {
		return "", apperrors.Internal("encode service", err)
	}
	batch := r.kv.Batch()
	batch.Set(serviceKey(rec.ID), data, r.cfg.ServiceTTL)
	for _, key := range indexKeys(rec) {
		batch.SAdd(key, rec.ID)
	}
	if err := batch.Exec(ctx); err != nil {
		r.signals.Emit(SignalError, nil, err)
		return "", apperrors.Connectivity("register service", err)
	}

	r.cache.Add(rec.ID, rec.Clone())

	r.mu.Lock()
	r.local = rec.Clone()
	startHeartbeat := !r.heartbeat && !r.closed
	if startHeartbeat {
		r.heartbeat = true
		r.loops.Add(1)
	}
	r.mu.Unlock()
	if startHeartbeat {
		go r.heartbeatLoop()
	}

	r.notify(ctx, Notification{
		Type:        NotificationRegistered,
		ServiceID:   rec.ID,
		ServiceName: rec.Name,
		Status:      rec.Status,
	})
	r.signals.Emit(SignalRegistered, rec.Clone(), nil)
	r.logger.Info("service registered",
		zap.String("service_id", rec.ID),
		zap.String("service", rec.Name),
		zap.String("address", rec.Address.String()),
	)
	return rec.ID, nil
}

// ServiceUpdate is a partial update. Nil fields are left unchanged and
// Metadata keys are merged.
type ServiceUpdate struct {
	Name         *string
	Version      *string
	Type         *string
	Status       *service.Status
	Address      *service.Address
	Endpoints    []service.Endpoint
	Capabilities []string
	EventTypes   *service.EventTypes
	Metadata     map[string]interface{}
	Health       *service.HealthConfig
}

func (u ServiceUpdate) apply(rec *service.Info) {
	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.Version != nil {
		rec.Version = *u.Version
	}
	if u.Type != nil {
		rec.Type = *u.Type
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Address != nil {
		rec.Address = *u.Address
	}
	if u.Endpoints != nil {
		rec.Endpoints = append([]service.Endpoint(nil), u.Endpoints...)
	}
	if u.Capabilities != nil {
		rec.Capabilities = append([]string(nil), u.Capabilities...)
	}
	if u.EventTypes != nil {
		rec.EventTypes = service.EventTypes{
			Publishes:  append([]string(nil), u.EventTypes.Publishes...),
			Subscribes: append([]string(nil), u.EventTypes.Subscribes...),
		}
	}
	if len(u.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]interface{}, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			rec.Metadata[k] = v
		}
	}
	if u.Health != nil {
		rec.Health = *u.Health
	}
}

// UpdateService merges update into the stored instance and bumps lastSeen.
// Unlike unregistering, updating a missing service is an error.
func (r *Registry) UpdateService(ctx context.Context, id string, update ServiceUpdate) (*service.Info, error) {
	current, rec, err := r.merge(ctx, id, update)
	if err != nil {
		return nil, err
	}

	r.signals.Emit(SignalUpdated, rec.Clone(), nil)
	r.notify(ctx, Notification{
		Type:        NotificationUpdated,
		ServiceID:   rec.ID,
		ServiceName: rec.Name,
		Status:      rec.Status,
	})
	if rec.Status != current.Status {
		r.statusChanged(ctx, rec, current.Status)
	}
	return rec.Clone(), nil
}

func (r *Registry) merge(ctx context.Context, id string, update ServiceUpdate) (current, rec *service.Info, err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, err = r.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrorTypeNotFound, "update service "+id, ErrServiceNotFound)
	}

	rec = current.Clone()
	update.apply(rec)
	rec.ID = current.ID
	rec.RegisteredAt = current.RegisteredAt
	rec.LastSeen = r.now().UTC()
	if err := rec.Validate(); err != nil {
		return nil, nil, err
	}
	if err := r.write(ctx, current, rec); err != nil {
		return nil, nil, err
	}
	return current, rec, nil
}

// write persists rec and moves its index memberships away from those of prev.
func (r *Registry) write(ctx context.Context, prev, rec *service.Info) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return apperrors.Internal("encode service", err)
	}

	next := make(map[string]bool)
	for _, key := range indexKeys(rec) {
		next[key] = true
	}

	batch := r.kv.Batch()
	batch.Set(serviceKey(rec.ID), data, r.cfg.ServiceTTL)
	if prev != nil {
		for _, key := range indexKeys(prev) {
			if !next[key] {
				batch.SRem(key, rec.ID)
			}
		}
	}
	for key := range next {
		batch.SAdd(key, rec.ID)
	}
	if err := batch.Exec(ctx); err != nil {
		r.signals.Emit(SignalError, nil, err)
		return apperrors.Connectivity("store service", err)
	}

	r.cache.Add(rec.ID, rec.Clone())
	r.mu.Lock()
	if r.local != nil && r.local.ID == rec.ID {
		r.local = rec.Clone()
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) statusChanged(ctx context.Context, rec *service.Info, previous service.Status) {
	n := Notification{
		Type:           NotificationStatusChanged,
		ServiceID:      rec.ID,
		ServiceName:    rec.Name,
		PreviousStatus: previous,
		Status:         rec.Status,
		Timestamp:      r.now().UTC(),
	}
	r.signals.Emit(SignalStatusChanged, n, nil)
	r.notify(ctx, n)
	r.logger.Info("service status changed",
		zap.String("service_id", rec.ID),
		zap.String("service", rec.Name),
		zap.String("from", string(previous)),
		zap.String("to", string(rec.Status)),
	)
}

// UnregisterService removes an instance and its index memberships. Missing
// ids are ignored.
func (r *Registry) UnregisterService(ctx context.Context, id string) error {
	rec, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	r.cache.Remove(id)
	r.balancer.forget(id)
	r.mu.Lock()
	delete(r.failures, id)
	if r.local != nil && r.local.ID == id {
		r.local = nil
	}
	r.mu.Unlock()

	if rec == nil {
		return nil
	}

	batch := r.kv.Batch()
	batch.Del(serviceKey(id))
	for _, key := range indexKeys(rec) {
		batch.SRem(key, id)
	}
	if err := batch.Exec(ctx); err != nil {
		r.signals.Emit(SignalError, nil, err)
		return apperrors.Connectivity("unregister service", err)
	}

	r.notify(ctx, Notification{
		Type:        NotificationUnregistered,
		ServiceID:   id,
		ServiceName: rec.Name,
		Status:      rec.Status,
	})
	r.signals.Emit(SignalUnregistered, rec, nil)
	r.logger.Info("service unregistered", zap.String("service_id", id), zap.String("service", rec.Name))
	return nil
}

// GetService returns an instance, or nil when it is not registered.
func (r *Registry) GetService(ctx context.Context, id string) (*service.Info, error) {
	if rec, ok := r.cache.Get(id); ok {
		return rec.Clone(), nil
	}
	rec, err := r.load(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	r.cache.Add(id, rec.Clone())
	return rec, nil
}

// ListServices returns every registered instance, newest first.
func (r *Registry) ListServices(ctx context.Context) ([]*service.Info, error) {
	return r.DiscoverServices(ctx, Query{})
}

// IncrementConnectionCount records a connection opened to id.
func (r *Registry) IncrementConnectionCount(id string) { r.balancer.IncrementConnectionCount(id) }

// DecrementConnectionCount records a connection to id closed.
func (r *Registry) DecrementConnectionCount(id string) { r.balancer.DecrementConnectionCount(id) }

// ConnectionCount returns the tracked connection count of id.
func (r *Registry) ConnectionCount(id string) int64 { return r.balancer.ConnectionCount(id) }

// SetWeight sets the weighted strategy weight of id.
func (r *Registry) SetWeight(id string, weight float64) error {
	return r.balancer.SetWeight(id, weight)
}

// load reads a record from the substrate, returning nil when it is missing
// or unreadable.
func (r *Registry) load(ctx context.Context, id string) (*service.Info, error) {
	data, err := r.kv.Get(ctx, serviceKey(id))
	if errors.Is(err, substrate.ErrNil) {
		return nil, nil
	}
	if err != nil {
		r.signals.Emit(SignalError, nil, err)
		return nil, apperrors.Connectivity("read service", err)
	}
	var rec service.Info
	if err := codec.Unmarshal(data, &rec); err != nil {
		r.logger.Warn("skipping undecodable service record", zap.String("service_id", id), zap.Error(err))
		return nil, nil
	}
	return &rec, nil
}

// loadAll reads every record in ids, skipping those that vanished.
func (r *Registry) loadAll(ctx context.Context, ids []string) ([]*service.Info, error) {
	out := make([]*service.Info, 0, len(ids))
	for _, id := range ids {
		rec, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// allServiceIDs enumerates records directly, without the indexes.
func (r *Registry) allServiceIDs(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx, serviceKeyPrefix+"*")
	if err != nil {
		r.signals.Emit(SignalError, nil, err)
		return nil, apperrors.Connectivity("list services", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(serviceKeyPrefix):])
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Registry) heartbeatInterval() time.Duration {
	if r.cfg.HeartbeatInterval > 0 {
		return r.cfg.HeartbeatInterval
	}
	return 15 * time.Second
}
