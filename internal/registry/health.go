package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/pkg/logger"
)

// probeConcurrency bounds the probes in flight during one health cycle.
const probeConcurrency = 16

// Prober checks one instance. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, info *service.Info) error
}

// HTTPProber issues GET <protocol>://host:port<health endpoint>; any 2xx
// response is healthy.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP prober. A nil client uses a client without
// its own timeout; probes are bounded by their context.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, info *service.Info) error {
	path := info.Health.Endpoint
	if path == "" {
		path = defaultHealthPath
	}
	url := fmt.Sprintf("%s://%s%s", info.Address.Protocol, net.JoinHostPort(info.Address.Host, strconv.Itoa(info.Address.Port)), path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// GRPCProber calls grpc.health.v1.Health/Check. The health endpoint, when
// set, is the service name to check.
type GRPCProber struct {
	logger *zap.Logger
}

// NewGRPCProber creates a gRPC prober.
func NewGRPCProber(l *zap.Logger) *GRPCProber {
	return &GRPCProber{logger: l.Named("grpc-probe")}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, info *service.Info) error {
	target := net.JoinHostPort(info.Address.Host, strconv.Itoa(info.Address.Port))
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(logger.UnaryClientInterceptor(p.logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: info.Health.Endpoint})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

// CheckHealth probes every locally cached instance plus the local service
// and persists the status of those whose health changed. Probe failures
// become status transitions, never errors.
func (r *Registry) CheckHealth(ctx context.Context) {
	targets := make(map[string]*service.Info)
	for _, rec := range r.cache.Values() {
		targets[rec.ID] = rec
	}
	r.mu.Lock()
	if r.local != nil {
		targets[r.local.ID] = r.local.Clone()
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, rec := range targets {
		if rec.Status == service.StatusStopping || rec.Status == service.StatusStopped {
			continue
		}
		rec := rec
		g.Go(func() error {
			r.checkOne(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) checkOne(ctx context.Context, rec *service.Info) {
	prober, ok := r.probers[rec.Address.Protocol]
	if !ok {
		return
	}

	timeout := rec.Health.Timeout
	if timeout <= 0 {
		timeout = r.cfg.HealthCheckTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	pctx = logger.WithContext(pctx, r.logger.With(
		zap.String("service_id", rec.ID),
		zap.String("service", rec.Name),
	))
	err := prober.Probe(pctx, rec)
	cancel()

	status := service.StatusHealthy
	if err != nil {
		status = service.StatusUnhealthy
		r.recordFailure(rec, err)
	} else {
		r.mu.Lock()
		delete(r.failures, rec.ID)
		r.mu.Unlock()
	}

	if status == rec.Status {
		return
	}
	if err := r.setStatus(ctx, rec.ID, status); err != nil {
		r.logger.Warn("failed to persist health status",
			zap.String("service_id", rec.ID),
			zap.Error(err),
		)
	}
}

func (r *Registry) recordFailure(rec *service.Info, err error) {
	r.mu.Lock()
	r.failures[rec.ID]++
	n := r.failures[rec.ID]
	r.mu.Unlock()

	r.logger.Debug("health probe failed",
		zap.String("service_id", rec.ID),
		zap.String("service", rec.Name),
		zap.Int("consecutive", n),
		zap.Error(err),
	)
	if r.cfg.UnhealthyThreshold > 0 && n == r.cfg.UnhealthyThreshold {
		r.signals.Emit(SignalAlert, Alert{
			Kind:      AlertHealthCheckFailures,
			ServiceID: rec.ID,
			Service:   rec.Name,
			Failures:  n,
			At:        r.now().UTC(),
		}, err)
		r.logger.Warn("service failed repeated health checks",
			zap.String("service_id", rec.ID),
			zap.String("service", rec.Name),
			zap.Int("failures", n),
		)
	}
}

// setStatus reloads the record so concurrent updates are not overwritten,
// then stores the new status.
func (r *Registry) setStatus(ctx context.Context, id string, status service.Status) error {
	r.writeMu.Lock()
	current, err := r.load(ctx, id)
	if err != nil {
		r.writeMu.Unlock()
		return err
	}
	if current == nil {
		r.writeMu.Unlock()
		r.cache.Remove(id)
		return nil
	}
	if current.Status == status {
		r.writeMu.Unlock()
		r.cache.Add(id, current)
		return nil
	}

	rec := current.Clone()
	rec.Status = status
	err = r.write(ctx, current, rec)
	r.writeMu.Unlock()
	if err != nil {
		return err
	}
	r.statusChanged(ctx, rec, current.Status)
	return nil
}

// ConsecutiveFailures returns the current probe failure streak of id.
func (r *Registry) ConsecutiveFailures(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[id]
}
