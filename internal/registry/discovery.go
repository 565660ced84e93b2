package registry

import (
	"context"
	"sort"

	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/internal/domain/specification"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

// Query filters discovered services. Empty fields impose no constraint;
// the others are intersected. EventType matches publishers and subscribers.
type Query struct {
	Name       string
	Type       string
	Capability string
	EventType  string
	Status     service.Status
	Version    string
}

func (q Query) indexed() bool {
	return q.Name != "" || q.Type != "" || q.Capability != "" || q.EventType != ""
}

func (q Query) spec() specification.Specification[*service.Info] {
	var specs []specification.Specification[*service.Info]
	if q.Status != "" {
		specs = append(specs, service.HasStatus(q.Status))
	}
	if q.Version != "" {
		specs = append(specs, service.HasVersion(q.Version))
	}
	return specification.And(specs...)
}

// DiscoverServices returns the instances matching q, newest registration
// first. Records that vanish between index lookup and read are skipped.
func (r *Registry) DiscoverServices(ctx context.Context, q Query) ([]*service.Info, error) {
	var (
		ids []string
		err error
	)
	if q.indexed() {
		ids, err = r.indexedIDs(ctx, q)
	} else {
		ids, err = r.allServiceIDs(ctx)
	}
	if err != nil {
		return nil, err
	}

	recs, err := r.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	recs = specification.Filter(recs, q.spec())

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].RegisteredAt.Equal(recs[j].RegisteredAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].RegisteredAt.After(recs[j].RegisteredAt)
	})

	for _, rec := range recs {
		r.cache.Add(rec.ID, rec.Clone())
	}
	return recs, nil
}

func (r *Registry) indexedIDs(ctx context.Context, q Query) ([]string, error) {
	var keys []string
	if q.Name != "" {
		keys = append(keys, "services:name:"+q.Name)
	}
	if q.Type != "" {
		keys = append(keys, "services:type:"+q.Type)
	}
	if q.Capability != "" {
		keys = append(keys, "services:capability:"+q.Capability)
	}

	var sets [][]string
	if len(keys) > 0 {
		ids, err := substrate.IntersectKeys(ctx, r.kv, keys...)
		if err != nil {
			r.signals.Emit(SignalError, nil, err)
			return nil, apperrors.Connectivity("read service index", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		sets = append(sets, ids)
	}

	if q.EventType != "" {
		pubs, err := r.kv.SMembers(ctx, "services:publishes:"+q.EventType)
		if err != nil {
			r.signals.Emit(SignalError, nil, err)
			return nil, apperrors.Connectivity("read service index", err)
		}
		subs, err := r.kv.SMembers(ctx, "services:subscribes:"+q.EventType)
		if err != nil {
			r.signals.Emit(SignalError, nil, err)
			return nil, apperrors.Connectivity("read service index", err)
		}
		sets = append(sets, substrate.Union(pubs, subs))
	}

	return substrate.Intersect(sets...), nil
}

// GetHealthyService picks one healthy instance of name with the configured
// strategy. It returns nil when no instance is healthy.
func (r *Registry) GetHealthyService(ctx context.Context, name string) (*service.Info, error) {
	candidates, err := r.DiscoverServices(ctx, Query{Name: name, Status: service.StatusHealthy})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return r.balancer.Select(Strategy(r.cfg.LoadBalancing), name, candidates)
}
