package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/instancer/pkg/config"
	"github.com/cuemby/instancer/pkg/events"
	"github.com/cuemby/instancer/pkg/ingress"
	"github.com/cuemby/instancer/pkg/metrics"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/provisioner"
	"github.com/cuemby/instancer/pkg/runtime"
)

// stack is the runtime-facing part of the instancer shared by every
// command that touches instances
type stack struct {
	rt     *runtime.DockerRuntime
	namer  *naming.Namer
	routes *ingress.Generator
	prov   *provisioner.Provisioner
}

func newStack(ctx context.Context, cfg *config.Config, broker *events.Broker) (*stack, error) {
	rt, err := runtime.NewDockerRuntime(cfg.Runtime.DockerHost)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Ping(pingCtx); err != nil {
		metrics.UpdateComponent(metrics.ComponentRuntime, false, err.Error())
		_ = rt.Close()
		return nil, fmt.Errorf("failed to reach docker: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentRuntime, true, "docker reachable")

	namer := naming.NewNamer(cfg.Instances.Prefix, cfg.Instances.BaseDomain, cfg.Instances.ManagedBy)
	routes := ingress.NewGenerator(cfg.Ingress())

	return &stack{
		rt:     rt,
		namer:  namer,
		routes: routes,
		prov:   provisioner.NewProvisioner(rt, namer, routes, broker, cfg.Provisioner()),
	}, nil
}

func (s *stack) Close() error {
	return s.rt.Close()
}
