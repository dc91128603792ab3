// Package grpcserver exposes model readiness through the standard gRPC health
// service.
package grpcserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/camoverride/emotion-detector/internal/predict"
)

// StatusChecker asks the model server whether a model is loaded.
type StatusChecker interface {
	ModelStatus(ctx context.Context, ep predict.Endpoint) (bool, error)
}

// NewServer returns a gRPC server with the health service registered.
func NewServer(hs *health.Server) *grpc.Server {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Prober polls every model and mirrors the result into the health server: one
// service per model name and the overall "" service, SERVING only when every
// model is available.
type Prober struct {
	checker   StatusChecker
	endpoints []predict.Endpoint
	health    *health.Server
	interval  time.Duration
	logger    *zap.Logger

	mu    sync.RWMutex
	ready map[string]bool
}

func NewProber(checker StatusChecker, endpoints []predict.Endpoint, hs *health.Server, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ready := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		ready[ep.ModelName] = false
		hs.SetServingStatus(ep.ModelName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Prober{
		checker:   checker,
		endpoints: endpoints,
		health:    hs,
		interval:  interval,
		logger:    logger.Named("prober"),
		ready:     ready,
	}
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce checks every model concurrently and updates the health statuses.
func (p *Prober) ProbeOnce(ctx context.Context) {
	results := make([]bool, len(p.endpoints))
	var wg sync.WaitGroup
	for i, ep := range p.endpoints {
		wg.Add(1)
		go func(i int, ep predict.Endpoint) {
			defer wg.Done()
			ok, err := p.checker.ModelStatus(ctx, ep)
			if err != nil {
				p.logger.Debug("model status check failed", zap.String("model", ep.ModelName), zap.Error(err))
			}
			results[i] = ok && err == nil
		}(i, ep)
	}
	wg.Wait()

	all := true
	p.mu.Lock()
	for i, ep := range p.endpoints {
		if p.ready[ep.ModelName] != results[i] {
			p.logger.Info("model readiness changed", zap.String("model", ep.ModelName), zap.Bool("ready", results[i]))
		}
		p.ready[ep.ModelName] = results[i]
		p.health.SetServingStatus(ep.ModelName, servingStatus(results[i]))
		all = all && results[i]
	}
	p.mu.Unlock()
	p.health.SetServingStatus("", servingStatus(all))
}

// Ready returns a copy of the last probe results keyed by model name.
func (p *Prober) Ready() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.ready))
	for k, v := range p.ready {
		out[k] = v
	}
	return out
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
