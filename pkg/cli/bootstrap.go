package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	orchestratorx "github.com/tanpawarit/cognitive-backoffice/agent/agents/orchestrator"
	specialistx "github.com/tanpawarit/cognitive-backoffice/agent/agents/specialist"
	auditx "github.com/tanpawarit/cognitive-backoffice/agent/audit"
	checkpointx "github.com/tanpawarit/cognitive-backoffice/agent/checkpoint"
	classifierx "github.com/tanpawarit/cognitive-backoffice/agent/classifier"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	graphx "github.com/tanpawarit/cognitive-backoffice/agent/graph"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	llmx "github.com/tanpawarit/cognitive-backoffice/agent/llm"
	nodex "github.com/tanpawarit/cognitive-backoffice/agent/nodes"
	promptx "github.com/tanpawarit/cognitive-backoffice/agent/prompt"
	routerx "github.com/tanpawarit/cognitive-backoffice/agent/router"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
	anthropicx "github.com/tanpawarit/cognitive-backoffice/pkg/anthropic"
	configx "github.com/tanpawarit/cognitive-backoffice/pkg/config"
	databasex "github.com/tanpawarit/cognitive-backoffice/pkg/database"
	metricsx "github.com/tanpawarit/cognitive-backoffice/pkg/metrics"
	openrouterx "github.com/tanpawarit/cognitive-backoffice/pkg/openrouter"
	qstashx "github.com/tanpawarit/cognitive-backoffice/pkg/qstash"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
)

const (
	backendMemory    = "memory"
	backendSQL       = "sql"
	backendUpstash   = "upstash"
	backendRedis     = "redis"
	classifierEino   = "eino"
	classifierOpenAI = "openai"
	classifierClaude = "anthropic"
	tracerName       = "github.com/tanpawarit/cognitive-backoffice"
)

// App is the wired back office.
type App struct {
	Config       orchestratorx.Config
	Orchestrator *orchestratorx.Orchestrator
	Stream       *auditx.Broadcaster
	Access       *auditx.SQLSink
	Metrics      *metricsx.Collector
	QStash       *qstashx.Client
	QStashConfig qstashx.Config

	db *bun.DB
}

func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Bootstrap loads configuration and builds every component of the back
// office from it.
func Bootstrap(ctx context.Context) (*App, error) {
	appCfg, err := configx.New[orchestratorx.Config]("APP")
	if err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{Config: *appCfg}

	depts, err := promptx.LoadDepartments()
	if err != nil {
		return nil, err
	}
	objectives, err := promptx.LoadObjectives()
	if err != nil {
		return nil, err
	}
	seed, err := promptx.LoadMemories(time.Now())
	if err != nil {
		return nil, err
	}
	memory := toolx.NewMemoryIndex(seed...)

	app.Metrics = metricsx.NewCollector(prometheus.NewRegistry())

	catalog, err := toolx.NewCatalog(toolx.Deps{Objectives: objectives, Memory: memory}, depts.Assignments())
	if err != nil {
		return nil, err
	}
	gateway, err := toolx.NewGateway(catalog, toolx.WithObserver(app.Metrics))
	if err != nil {
		return nil, err
	}

	llmCfg, err := configx.New[llmx.Config]("LLM")
	if err != nil {
		return nil, fmt.Errorf("load llm config: %w", err)
	}
	registry, err := specialistx.NewRegistry(ctx, *llmCfg, depts, catalog)
	if err != nil {
		return nil, err
	}

	classifier, err := newClassifier(ctx, *appCfg, *llmCfg, promptx.Supervisor(depts))
	if err != nil {
		return nil, err
	}
	router, err := routerx.New(classifier, depts.NodeInfos(), routerx.WithTimeout(appCfg.ClassifierTimeout))
	if err != nil {
		return nil, err
	}

	policy := hitlx.MustDefaultPolicy()
	nodes := make(map[string]contractx.Node, len(depts))
	for _, name := range registry.Departments() {
		spec, _ := registry.Specialist(name)
		node, err := nodex.NewDepartment(name, spec, gateway,
			nodex.WithPolicy(policy),
			nodex.WithDelegates(router.Known),
			nodex.WithTimeout(appCfg.NodeTimeout),
		)
		if err != nil {
			return nil, err
		}
		nodes[name] = node
	}

	if usesSQL(*appCfg) {
		dbCfg, err := configx.New[databasex.Config]("DATABASE")
		if err != nil {
			return nil, fmt.Errorf("load database config: %w", err)
		}
		if app.db, err = databasex.Open(*dbCfg); err != nil {
			return nil, err
		}
	}

	checkpoints, err := newCheckpointStore(ctx, *appCfg, app.db)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	approvalStore, err := newApprovalStore(ctx, *appCfg, app.db)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	qsCfg, err := configx.New[qstashx.Config]("QSTASH")
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("load qstash config: %w", err)
	}
	app.QStashConfig = *qsCfg
	managerOpts := []hitlx.ManagerOption{hitlx.WithTimeout(appCfg.HITLTimeout)}
	if qsCfg.Enabled() {
		if app.QStash, err = qstashx.NewClient(*qsCfg); err != nil {
			_ = app.Close()
			return nil, err
		}
		managerOpts = append(managerOpts, hitlx.WithScheduler(app.QStash))
	}
	approvals, err := hitlx.NewManager(approvalStore, managerOpts...)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Stream = auditx.NewBroadcaster(0)
	sinks := auditx.Fanout{auditx.NewLogSink(nil), app.Stream}
	if strings.EqualFold(appCfg.AuditStore, backendSQL) {
		if app.Access, err = auditx.NewSQLSink(app.db); err != nil {
			_ = app.Close()
			return nil, err
		}
		if err := app.Access.CreateSchema(ctx); err != nil {
			_ = app.Close()
			return nil, err
		}
		sinks = append(sinks, app.Access)
	}

	executor, err := graphx.New(router, nodes, checkpoints,
		graphx.WithMaxIterations(appCfg.MaxIterations),
		graphx.WithApprovals(approvals),
		graphx.WithAuditSink(sinks),
		graphx.WithObserver(app.Metrics),
		graphx.WithTransitionObserver(app.Metrics),
		graphx.WithCheckpointTimeout(appCfg.CheckpointTimeout),
		graphx.WithTracer(otel.Tracer(tracerName)),
	)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Orchestrator, err = orchestratorx.New(executor, approvals,
		orchestratorx.WithMemory(memory, objectives),
		orchestratorx.WithAgents(agentsOf(depts)...),
		orchestratorx.WithMaxConcurrentRuns(appCfg.MaxConcurrentRuns),
		orchestratorx.WithObserver(app.Metrics),
	)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	log.Info().
		Str("store", appCfg.Store).
		Str("approval_store", appCfg.ApprovalStore).
		Str("audit_store", appCfg.AuditStore).
		Str("classifier", appCfg.ClassifierBackend).
		Strs("departments", registry.Departments()).
		Bool("qstash", app.QStash != nil).
		Msg("back office ready")
	return app, nil
}

func agentsOf(depts promptx.Departments) []orchestratorx.Agent {
	out := make([]orchestratorx.Agent, 0, len(depts))
	for _, d := range depts {
		out = append(out, orchestratorx.Agent{
			Name:           d.Name,
			Title:          d.Title,
			Role:           d.Role,
			Description:    d.Description,
			Specialization: d.Specialization,
			Goal:           d.Goal,
			Tools:          append([]string(nil), d.Tools...),
		})
	}
	return out
}

func usesSQL(cfg orchestratorx.Config) bool {
	for _, b := range []string{cfg.Store, cfg.ApprovalStore, cfg.AuditStore} {
		if strings.EqualFold(b, backendSQL) {
			return true
		}
	}
	return false
}

func newClassifier(ctx context.Context, appCfg orchestratorx.Config, llmCfg llmx.Config, supervisor string) (contractx.Classifier, error) {
	routerCfg := llmCfg.OpenRouterFor(llmx.RouterAgent)

	switch strings.ToLower(strings.TrimSpace(appCfg.ClassifierBackend)) {
	case classifierEino, "":
		chatModel, err := routerCfg.New(ctx)
		if err != nil {
			return nil, err
		}
		return classifierx.NewEino(ctx, chatModel, supervisor, appCfg.ClassifierTimeout)
	case classifierOpenAI:
		client := openrouterx.NewClient(routerCfg)
		if client == nil {
			return nil, openrouterx.ErrMissingAPIKey
		}
		return classifierx.NewOpenAI(client, routerCfg.Model, float64(routerCfg.Temperature), supervisor, appCfg.ClassifierTimeout)
	case classifierClaude:
		cfg, err := configx.New[anthropicx.Config]("ANTHROPIC")
		if err != nil {
			return nil, fmt.Errorf("load anthropic config: %w", err)
		}
		client := anthropicx.NewClient(*cfg)
		if client == nil {
			return nil, errors.New("anthropic: api key is required")
		}
		return classifierx.NewAnthropic(client, cfg.Model, float64(routerCfg.Temperature), supervisor, appCfg.ClassifierTimeout)
	default:
		return nil, fmt.Errorf("%w: unknown classifier %q", contractx.ErrValidation, appCfg.ClassifierBackend)
	}
}

func newCheckpointStore(ctx context.Context, cfg orchestratorx.Config, db *bun.DB) (checkpointx.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case backendMemory, "":
		return checkpointx.NewMemoryStore(), nil
	case backendSQL:
		store, err := checkpointx.NewSQLStore(db)
		if err != nil {
			return nil, err
		}
		if err := store.CreateSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case backendUpstash:
		upCfg, err := configx.New[checkpointx.UpstashRedisConfig]("UPSTASH_REDIS")
		if err != nil {
			return nil, fmt.Errorf("load upstash config: %w", err)
		}
		return checkpointx.NewUpstashStore(*upCfg)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint store %q", contractx.ErrValidation, cfg.Store)
	}
}

func newApprovalStore(ctx context.Context, cfg orchestratorx.Config, db *bun.DB) (hitlx.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ApprovalStore)) {
	case backendMemory, "":
		return hitlx.NewMemoryStore(), nil
	case backendSQL:
		store, err := hitlx.NewSQLStore(db)
		if err != nil {
			return nil, err
		}
		if err := store.CreateSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case backendRedis:
		redisCfg, err := configx.New[hitlx.RedisConfig]("REDIS")
		if err != nil {
			return nil, fmt.Errorf("load redis config: %w", err)
		}
		return hitlx.NewRedisStoreFromConfig(*redisCfg)
	default:
		return nil, fmt.Errorf("%w: unknown approval store %q", contractx.ErrValidation, cfg.ApprovalStore)
	}
}
