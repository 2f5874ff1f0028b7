// Package orchestrator wires the orchestration core together: store, bus,
// queue, registry, router, learning, dispatcher, oracle, and the observer
// hub, with ordered startup and reverse shutdown.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent/registry"
	"github.com/overseer/overseer/internal/common/config"
	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/dispatch"
	"github.com/overseer/overseer/internal/events/bus"
	"github.com/overseer/overseer/internal/gateway/websocket"
	"github.com/overseer/overseer/internal/learning"
	"github.com/overseer/overseer/internal/llm"
	"github.com/overseer/overseer/internal/mission/queue"
	"github.com/overseer/overseer/internal/oracle"
	"github.com/overseer/overseer/internal/router"
	"github.com/overseer/overseer/internal/semantic"
	"github.com/overseer/overseer/internal/store"
	"github.com/overseer/overseer/internal/store/sqlite"
)

// Orchestrator owns every long-lived component. There are no package-level
// singletons; everything reachable hangs off this struct.
type Orchestrator struct {
	Cfg *config.Config
	Log *logger.Logger

	Gateway    store.Gateway
	Bus        bus.EventBus
	Index      *semantic.Store
	Queue      *queue.Queue
	Registry   *registry.Registry
	Router     *router.Router
	Decomposer *router.Decomposer
	Learning   *learning.Loop
	Feedback   *learning.FeedbackLoop
	Dispatcher *dispatch.Dispatcher
	Oracle     *oracle.Controller
	Hub        *websocket.Hub

	hubCancel context.CancelFunc
	hubDone   chan struct{}
	busSubs   []bus.Subscription
}

// New builds the component graph from configuration. Nothing starts running
// until Start.
func New(cfg *config.Config, log *logger.Logger) (*Orchestrator, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Component("orchestrator")

	gateway, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			_ = gateway.Close()
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	var llmClient llm.Client
	var embedder semantic.Embedder
	if cfg.LLM.BaseURL != "" {
		httpClient := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
		llmClient = httpClient
		embedder = httpClient
		log.Info("llm provider configured",
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model))
	}

	// The lexical index always carries retrieval; a configured vector backend
	// upgrades it, provided an embedder exists to vectorize documents.
	var remote semantic.Index
	if cfg.Semantic.URL != "" {
		if embedder == nil {
			log.Warn("semantic.url set but no llm provider to embed with, staying lexical-only")
		} else {
			remote = semantic.NewRemoteIndex(cfg.Semantic.URL, cfg.Semantic.APIKey,
				embedder, cfg.Semantic.EmbeddingModel, log)
		}
	}
	index := semantic.NewStore(remote, log)

	q := queue.New(gateway, cfg.Queue.MaxSize, log)
	reg := registry.New(registry.Config{
		Command:      cfg.Agent.Command,
		WorkDir:      cfg.Agent.WorkDir,
		WorktreeRoot: cfg.Agent.WorktreeRoot,
		AutoRestart:  cfg.Agent.AutoRestart,
	}, gateway, eventBus, log)

	rt := router.New(llmClient, log)
	learn := learning.New(gateway, index, log)
	feedback := learning.NewFeedbackLoop(gateway, log)

	disp := dispatch.New(q, reg, rt, gateway, eventBus, learn,
		cfg.Queue.DispatchIntervalDuration(), log)

	orc := oracle.New(q, reg, learn, oracle.Config{
		Triggers: oracle.SpawnTriggers{
			QueueGrowthRate:       cfg.Oracle.SpawnTriggers.QueueGrowthRate,
			QueueDepthThreshold:   cfg.Oracle.SpawnTriggers.QueueDepthThreshold,
			IdleAgentMinimum:      cfg.Oracle.SpawnTriggers.IdleAgentMinimum,
			TaskComplexityBacklog: cfg.Oracle.SpawnTriggers.TaskComplexityBacklog,
		},
		TickInterval:     cfg.Oracle.TickIntervalDuration(),
		MaxSpawnsPerTick: cfg.Oracle.MaxSpawnsPerTick,
	}, log)

	return &Orchestrator{
		Cfg:        cfg,
		Log:        log,
		Gateway:    gateway,
		Bus:        eventBus,
		Index:      index,
		Queue:      q,
		Registry:   reg,
		Router:     rt,
		Decomposer: router.NewDecomposer(llmClient, 0, log),
		Learning:   learn,
		Feedback:   feedback,
		Dispatcher: disp,
		Oracle:     orc,
		Hub:        websocket.NewHub(0, log),
	}, nil
}

// Start recovers durable state and launches every loop. Components start in
// dependency order; a failure leaves earlier components running so Stop can
// still unwind them.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Queue.LoadFromDb(ctx); err != nil {
		return fmt.Errorf("recovering mission queue: %w", err)
	}
	if err := o.Registry.LoadFromDb(ctx); err != nil {
		return fmt.Errorf("recovering agent registry: %w", err)
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	o.hubCancel = cancel
	o.hubDone = make(chan struct{})
	go func() {
		defer close(o.hubDone)
		o.Hub.Run(hubCtx)
	}()
	subs, err := o.Hub.AttachBus(o.Bus)
	if err != nil {
		return fmt.Errorf("attaching observer hub: %w", err)
	}
	o.busSubs = subs

	if err := o.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	if n, err := o.Dispatcher.RedeliverPending(ctx); err != nil {
		o.Log.Warn("inbox redelivery incomplete", zap.Int("redelivered", n), zap.Error(err))
	}

	o.Queue.StartTimeoutEnforcement(o.Cfg.Queue.TimeoutCheckIntervalDuration())
	o.Oracle.Start(ctx)

	o.Log.Info("orchestrator started")
	return nil
}

// Stop unwinds the components in reverse startup order.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.Oracle.Stop()
	o.Queue.StopTimeoutEnforcement()
	o.Dispatcher.Stop()

	for _, sub := range o.busSubs {
		if err := sub.Unsubscribe(); err != nil {
			o.Log.Warn("bus unsubscribe failed",
				zap.String("subject", sub.Subject()), zap.Error(err))
		}
	}
	o.busSubs = nil
	if o.hubCancel != nil {
		o.hubCancel()
		<-o.hubDone
		o.hubCancel = nil
	}

	o.Registry.Shutdown(ctx)
	o.Queue.Close()
	o.Bus.Close()
	o.Index.Close()
	if err := o.Gateway.Close(); err != nil {
		o.Log.Error("store close failed", zap.Error(err))
	}
	o.Log.Info("orchestrator stopped")
}
