// Package engine holds the single Knowledge Repository and Safety Monitor
// instances of a process.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
)

// Options wires the registry's collaborators
type Options struct {
	Cache     cache.Cache
	Dataset   knowledge.Dataset
	Seed      safety.Seed
	Publisher safety.EventPublisher
	Recorder  safety.Recorder
	Knowledge knowledge.Config
	Safety    safety.Config
	Logger    *zap.Logger
}

// Registry lazily creates one instance of each component
type Registry struct {
	opts Options

	kbOnce sync.Once
	kb     *knowledge.Repository

	monitorOnce sync.Once
	monitor     *safety.Monitor
}

// New creates a registry. Nothing is loaded until a component is requested.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	return &Registry{opts: opts}
}

func (r *Registry) knowledgeInstance() *knowledge.Repository {
	r.kbOnce.Do(func() {
		r.kb = knowledge.NewRepository(r.opts.Cache, r.opts.Dataset, r.opts.Knowledge, r.opts.Logger.Named("knowledge"))
	})
	return r.kb
}

func (r *Registry) monitorInstance() *safety.Monitor {
	r.monitorOnce.Do(func() {
		r.monitor = safety.NewMonitor(
			r.opts.Cache,
			r.opts.Seed,
			r.knowledgeInstance(),
			r.opts.Publisher,
			r.opts.Recorder,
			r.opts.Safety,
			r.opts.Logger.Named("safety"),
		)
	})
	return r.monitor
}

// Knowledge returns the initialized Knowledge Repository
func (r *Registry) Knowledge(ctx context.Context) (*knowledge.Repository, error) {
	kb := r.knowledgeInstance()
	if err := kb.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize knowledge repository: %w", err)
	}
	return kb, nil
}

// Safety returns the initialized Safety Monitor. The Knowledge Repository
// is initialized first.
func (r *Registry) Safety(ctx context.Context) (*safety.Monitor, error) {
	m := r.monitorInstance()
	if err := m.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize safety monitor: %w", err)
	}
	return m, nil
}

// Ready reports whether both components finished loading
func (r *Registry) Ready() bool {
	return r.knowledgeInstance().Ready() && r.monitorInstance().Ready()
}
