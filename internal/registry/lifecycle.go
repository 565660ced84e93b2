package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/internal/substrate"
)

const cleanupLockKey = "registry:cleanup"

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Start schedules the health check and stale cleanup cycles and, when
// notifications are enabled, starts watching other processes' changes.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return nil
	}

	cl := cronLogger{logger: r.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))

	if r.cfg.HealthCheckInterval > 0 {
		if _, err := c.AddFunc(every(r.cfg.HealthCheckInterval), func() { r.CheckHealth(r.ctx) }); err != nil {
			return fmt.Errorf("schedule health checks: %w", err)
		}
	}
	if r.cfg.CleanupInterval > 0 {
		_, err := c.AddFunc(every(r.cfg.CleanupInterval), func() {
			if _, err := r.CleanupStaleServices(r.ctx); err != nil {
				r.logger.Error("stale cleanup failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule stale cleanup: %w", err)
		}
	}

	if r.cfg.Notifications {
		sub, err := r.kv.Subscribe(ctx, NotificationChannel)
		if err != nil {
			r.signals.Emit(SignalError, nil, err)
			return fmt.Errorf("watch registry notifications: %w", err)
		}
		r.loops.Add(1)
		go r.invalidateLoop(sub)
	}

	c.Start()
	r.cron = c
	r.started = true
	r.logger.Info("registry started",
		zap.Duration("health_check_interval", r.cfg.HealthCheckInterval),
		zap.Duration("cleanup_interval", r.cfg.CleanupInterval),
	)
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// heartbeatLoop refreshes the local service until shutdown.
func (r *Registry) heartbeatLoop() {
	defer r.loops.Done()
	ticker := time.NewTicker(r.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Heartbeat refreshes lastSeen and the record expiry of the local service.
// A record that expired meanwhile is restored from the local copy.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	var local *service.Info
	if r.local != nil {
		local = r.local.Clone()
	}
	r.mu.Unlock()
	if local == nil {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	current, err := r.load(ctx, local.ID)
	if err != nil {
		return err
	}
	prev := current
	if current == nil {
		r.logger.Warn("local service record missing, restoring", zap.String("service_id", local.ID))
		current = local
	}

	rec := current.Clone()
	rec.LastSeen = r.now().UTC()
	return r.write(ctx, prev, rec)
}

// CleanupStaleServices unregisters every instance, except the local one,
// whose lastSeen is older than the service timeout. With a locker only one
// process reaps per cycle; the others skip. It returns the number reaped.
func (r *Registry) CleanupStaleServices(ctx context.Context) (int, error) {
	if r.locker != nil {
		ttl := r.cfg.CleanupInterval
		if ttl <= 0 {
			ttl = time.Minute
		}
		lock, err := r.locker.Obtain(ctx, cleanupLockKey, ttl)
		if errors.Is(err, substrate.ErrLockNotObtained) {
			r.logger.Debug("cleanup running elsewhere, skipping")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("obtain cleanup lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Debug("failed to release cleanup lock", zap.Error(err))
			}
		}()
	}

	ids, err := r.allServiceIDs(ctx)
	if err != nil {
		return 0, err
	}
	recs, err := r.loadAll(ctx, ids)
	if err != nil {
		return 0, err
	}

	timeout := r.cfg.ServiceTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	stale := service.SeenBefore(r.now().Add(-timeout))
	localID := r.LocalServiceID()

	reaped := 0
	for _, rec := range recs {
		if rec.ID == localID || !stale.IsSatisfiedBy(rec) {
			continue
		}
		if err := r.UnregisterService(ctx, rec.ID); err != nil {
			r.logger.Warn("failed to reap stale service", zap.String("service_id", rec.ID), zap.Error(err))
			continue
		}
		reaped++
		r.logger.Info("reaped stale service",
			zap.String("service_id", rec.ID),
			zap.String("service", rec.Name),
			zap.Time("last_seen", rec.LastSeen),
		)
	}

	// The local record is restored by the next heartbeat, keep its memberships.
	live := map[string]bool{localID: true}
	for _, rec := range recs {
		live[rec.ID] = true
	}
	swept, err := r.sweepIndexes(ctx, live)
	if err != nil {
		r.logger.Warn("index sweep failed", zap.Error(err))
	}
	reaped += swept

	if reaped > 0 {
		r.signals.Emit(SignalCleanup, reaped, nil)
	}
	return reaped, nil
}

// sweepIndexes drops index memberships of instances whose record expired
// before any cleanup saw it stale, and announces them as unregistered.
func (r *Registry) sweepIndexes(ctx context.Context, live map[string]bool) (int, error) {
	keys, err := r.kv.Keys(ctx, indexKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("list index sets: %w", err)
	}

	dangling := make(map[string][]string)
	names := make(map[string]string)
	for _, key := range keys {
		members, err := r.kv.SMembers(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read index %s: %w", key, err)
		}
		for _, id := range members {
			if live[id] {
				continue
			}
			dangling[id] = append(dangling[id], key)
			if name, ok := strings.CutPrefix(key, nameIndexPrefix); ok {
				names[id] = name
			}
		}
	}

	swept := 0
	for id, keys := range dangling {
		// Registered after the record scan.
		if rec, err := r.load(ctx, id); err != nil || rec != nil {
			continue
		}
		batch := r.kv.Batch()
		for _, key := range keys {
			batch.SRem(key, id)
		}
		if err := batch.Exec(ctx); err != nil {
			r.logger.Warn("failed to sweep expired service", zap.String("service_id", id), zap.Error(err))
			continue
		}

		r.cache.Remove(id)
		r.balancer.forget(id)
		r.mu.Lock()
		delete(r.failures, id)
		r.mu.Unlock()

		swept++
		r.notify(ctx, Notification{
			Type:        NotificationUnregistered,
			ServiceID:   id,
			ServiceName: names[id],
		})
		r.signals.Emit(SignalUnregistered, &service.Info{ID: id, Name: names[id]}, nil)
		r.logger.Info("swept expired service", zap.String("service_id", id), zap.String("service", names[id]))
	}
	return swept, nil
}

// Shutdown stops the schedules and loops, unregisters the local service and
// waits for all of it. The substrate is left open for its owner to close.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.cron
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	if id := r.LocalServiceID(); id != "" {
		err = r.UnregisterService(ctx, id)
	}
	r.signals.Close()
	r.logger.Info("registry stopped")
	return err
}
