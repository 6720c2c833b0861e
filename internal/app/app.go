// Package app assembles the delivery subsystem from configuration. Both the
// worker and the operator CLI build an App; it owns every connection so
// nothing is held in package-level state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"fleetrelay/internal/config"
	"fleetrelay/internal/core"
	"fleetrelay/internal/db"
	"fleetrelay/internal/deadletter"
	"fleetrelay/internal/delivery"
	"fleetrelay/internal/destinations/email"
	"fleetrelay/internal/destinations/republish"
	"fleetrelay/internal/destinations/snmp"
	"fleetrelay/internal/destinations/webhook"
	"fleetrelay/internal/observability"
	"fleetrelay/internal/queue"
	"fleetrelay/internal/security"
	"fleetrelay/internal/types"
)

// brokerCheckInterval is how often the republish broker connection is
// pinged while the worker runs.
const brokerCheckInterval = 5 * time.Second

// App holds the wired components. Fields are read-only after New.
type App struct {
	Config *config.Config
	Logger types.Logger

	DB          *pgxpool.Pool
	Jobs        *db.JobRepository
	Queue       delivery.Queue
	Egress      *security.EgressValidator
	Registry    *delivery.Registry
	Breakers    *delivery.Breakers
	Metrics     *observability.Backend
	DeadLetters *deadletter.Service
	Dispatcher  *delivery.Dispatcher
	Pool        *delivery.Pool

	// Publisher is nil when no republish broker is configured.
	Publisher *republish.RedisPublisher
}

// New connects to the database, builds the configured queue, adapters and
// metrics backend, and wires the dispatcher and dead-letter service
// together. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger types.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if logger == nil {
		logger = types.NopLogger{}
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.DB, err = db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Jobs = db.NewJobRepository(a.DB)

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, loadErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if loadErr != nil {
			return aws.Config{}, fmt.Errorf("app: loading AWS config: %w", loadErr)
		}
		awsCfg = &c
		return c, nil
	}

	if a.Metrics, err = a.newMetrics(loadAWS); err != nil {
		return nil, err
	}
	a.DeadLetters = deadletter.NewService(db.NewDeadLetterRepository(a.DB), a.Metrics.Metrics, logger)
	if a.Queue, err = a.newQueue(loadAWS); err != nil {
		return nil, err
	}

	a.Egress, err = security.NewEgressValidator(nil)
	if err != nil {
		return nil, err
	}
	if a.Registry, err = a.newRegistry(); err != nil {
		return nil, err
	}

	a.Breakers = delivery.NewBreakers(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout, logger)
	a.Dispatcher = delivery.NewDispatcher(delivery.DispatcherDeps{
		Registry:       a.Registry,
		Queue:          a.Queue,
		DeadLetters:    a.DeadLetters,
		Egress:         a.Egress,
		Breakers:       a.Breakers,
		Metrics:        a.Metrics.Metrics,
		Policy:         RetryPolicy(cfg),
		AdapterTimeout: cfg.Worker.AdapterTimeout,
		Logger:         logger,
	})
	a.DeadLetters.SetAttempter(a.Dispatcher)

	a.Pool = delivery.NewPool(a.Queue, a.Dispatcher, a.Metrics.Metrics, delivery.PoolConfig{
		Workers:          cfg.Worker.Count,
		BatchSize:        cfg.Worker.BatchSize,
		BatchConcurrency: cfg.Worker.BatchConcurrency,
		PollInterval:     cfg.Worker.PollInterval,
		ErrorBackoff:     cfg.Worker.ErrorBackoff,
		StuckAfter:       cfg.Worker.StuckAfter,
		RequeueInterval:  cfg.Worker.RequeueInterval,
		DepthInterval:    cfg.Worker.DepthInterval,
	}, logger)

	logger.Info("delivery subsystem wired",
		"queue", a.Queue.Name(),
		"destination_types", a.Registry.Types(),
		"metrics_backend", cfg.Observability.MetricsBackend,
		"counter_authority", cfg.EffectiveCounterAuthority(),
	)
	return a, nil
}

// RetryPolicy maps the retry configuration onto a delivery.RetryPolicy.
func RetryPolicy(cfg *config.Config) delivery.RetryPolicy {
	return delivery.RetryPolicy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		MaxDeliveries: cfg.Queue.SQSMaxDeliveries,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		Authority:     delivery.CounterAuthority(cfg.EffectiveCounterAuthority()),
	}
}

func (a *App) newQueue(loadAWS func() (aws.Config, error)) (delivery.Queue, error) {
	switch a.Config.Queue.Backend {
	case config.QueueBackendSQS:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if a.Config.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(a.Config.AWS.EndpointURL)
			}
		})
		q := queue.NewSQSQueue(client, queue.SQSConfig{
			QueueURL:          a.Config.Queue.SQSQueueURL,
			WaitTime:          a.Config.Queue.SQSWaitTime,
			VisibilityTimeout: a.Config.Queue.SQSVisibilityTimeout,
		}, a.Logger)
		if a.DeadLetters != nil && a.Metrics != nil {
			q.SetDeadLetters(a.DeadLetters, a.Metrics.Metrics)
		}
		return q, nil
	case config.QueueBackendPostgres, "":
		return queue.NewPostgresQueue(a.Jobs), nil
	default:
		return nil, fmt.Errorf("app: unknown queue backend %q", a.Config.Queue.Backend)
	}
}

func (a *App) newMetrics(loadAWS func() (aws.Config, error)) (*observability.Backend, error) {
	var cw observability.CloudWatchClient
	if a.Config.Observability.MetricsBackend == config.MetricsBackendCloudWatch {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		cw = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if a.Config.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(a.Config.AWS.EndpointURL)
			}
		})
	}
	return observability.NewBackend(a.Config.Observability, cw, a.Logger)
}

// newRegistry registers every adapter the configuration supports. The
// republish adapter is only present when a broker URL is set; jobs for it
// otherwise fail as an unknown destination type.
func (a *App) newRegistry() (*delivery.Registry, error) {
	adapters := []delivery.Adapter{
		webhook.NewAdapter(a.Egress, a.Config.Webhook),
		email.NewAdapter(a.Egress.DialContext, a.Config.Email, a.Logger),
		snmp.NewAdapter(a.Egress),
	}

	if !a.Config.Redis.URL.IsEmpty() {
		pub, err := republish.NewRedisPublisher(a.Config.Redis.URL.Unmask(), a.Logger)
		if err != nil {
			return nil, err
		}
		a.Publisher = pub
		adapters = append(adapters, republish.NewAdapter(pub))
	}

	return delivery.NewRegistry(adapters...)
}

// Run runs the worker pool and, when configured, the broker connection
// monitor until ctx is cancelled. It returns once every in-flight job has
// settled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.Publisher != nil {
		g.Go(func() error {
			a.Publisher.Monitor(gctx, brokerCheckInterval)
			return nil
		})
	}
	g.Go(func() error {
		return a.Pool.Run(gctx)
	})
	return g.Wait()
}

// Probes returns the readiness checks for the worker: the database, the
// queue and, when REDIS_REQUIRED is set, the republish broker.
func (a *App) Probes() []core.HealthProbe {
	probes := []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error {
			return a.DB.Ping(ctx)
		}},
	}
	if dr, ok := a.Queue.(delivery.DepthReporter); ok {
		probes = append(probes, core.ProbeFunc{ProbeName: "queue", Fn: func(ctx context.Context) error {
			_, err := dr.CountPending(ctx)
			return err
		}})
	}
	if a.Publisher != nil && a.Config.Redis.Required {
		probes = append(probes, core.ProbeFunc{ProbeName: "broker", Fn: a.Publisher.Ready})
	}
	return probes
}

// NewServer builds the HTTP chassis over the app: probes, the metrics
// handler of the selected backend, and the dead-letter admin API.
func (a *App) NewServer(logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(a.Config, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = a.Probes()
	srv.DeadLetters = a.DeadLetters
	srv.MetricsHandler = a.Metrics.Handler
	srv.MountRoutes()
	return srv, nil
}

// Close releases connections in reverse order of acquisition. It is safe
// on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warn("failed to close broker connection", "error", err.Error())
		}
	}
	if a.Metrics != nil {
		if err := a.Metrics.Shutdown(ctx); err != nil {
			a.Logger.Warn("failed to shut down metrics backend", "error", err.Error())
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
