// Package app builds a listener container and its surroundings from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/baldanca/batch-listener/container"
	"github.com/baldanca/batch-listener/encoder"
	"github.com/baldanca/batch-listener/ingestor"
	"github.com/baldanca/batch-listener/internal/admin"
	"github.com/baldanca/batch-listener/internal/config"
	"github.com/baldanca/batch-listener/internal/metrics"
	"github.com/baldanca/batch-listener/listener"
	"github.com/baldanca/batch-listener/sink"
	"github.com/baldanca/batch-listener/source"
	"github.com/baldanca/batch-listener/transformer"
)

const shutdownTimeout = 10 * time.Second

// App owns the container, the admin server and the clients they use.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	container *container.Container
	admin     *admin.Server
	server    *http.Server
	broker    *source.Broker
	closers   []func() error
}

// New builds every component. Nothing receives messages until Run.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	conn, err := a.connector(ctx)
	if err != nil {
		return nil, err
	}
	l, err := a.listener(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return nil, err
	}

	c, err := container.New(
		container.Config{Destination: cfg.Listener.Destination, Policy: cfg.Listener.Policy()},
		conn, l,
		container.WithLogger(logger.Named("container")),
		container.WithObserver(rec),
	)
	if err != nil {
		return nil, err
	}
	a.container = c

	a.admin = admin.NewServer(c, reg, logger.Named("admin"))
	if cfg.Admin.Port > 0 {
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:           a.admin.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

func (a *App) connector(ctx context.Context) (source.Connector, error) {
	mode := a.cfg.Listener.Mode()

	switch a.cfg.Transport.Kind {
	case "memory":
		a.broker = source.NewBroker()
		return a.broker.Connector(mode), nil

	case "sqs":
		awsCfg, err := loadAWSConfig(ctx, a.cfg.Transport.SQS.Region)
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if ep := a.cfg.Transport.SQS.Endpoint; ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
		sqsCfg := source.DefaultSQSConfig
		sqsCfg.AckMode = mode
		sqsCfg.MaxMessages = a.cfg.Transport.SQS.MaxMessages
		sqsCfg.VisibilityTO = a.cfg.Transport.SQS.VisibilityTimeout
		return source.NewSQSConnector(client, sqsCfg), nil

	case "pubsub":
		var opts []option.ClientOption
		if ep := a.cfg.Transport.PubSub.Endpoint; ep != "" {
			opts = append(opts,
				option.WithEndpoint(ep),
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		client, err := pubsub.NewClient(ctx, a.cfg.Transport.PubSub.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		psCfg := source.DefaultPubSubConfig
		psCfg.AckMode = mode
		psCfg.MaxOutstanding = a.cfg.Transport.PubSub.MaxOutstanding
		return source.NewPubSubConnector(client, psCfg), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", a.cfg.Transport.Kind)
	}
}

func (a *App) listener(ctx context.Context) (listener.Listener, error) {
	sc := a.cfg.Sink

	switch sc.Kind {
	case "log":
		return listener.NewLog(a.logger.Named("batch")), nil

	case "s3":
		awsCfg, err := loadAWSConfig(ctx, sc.S3.Region)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if sc.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(sc.S3.Endpoint)
			}
			o.UsePathStyle = sc.S3.PathStyle
		})
		enc := encoder.Parquet[transformer.RawRecord]{Compression: sc.S3.Compression}
		if err := enc.Validate(); err != nil {
			return nil, err
		}
		ing, err := ingestor.New[transformer.RawRecord](
			transformer.Raw{},
			enc,
			sink.NewS3(client, sc.S3.Bucket, sc.S3.Prefix),
			nil,
			ingestor.WithRetryPolicy[transformer.RawRecord](ingestor.SimpleRetry{
				Attempts:  sc.Retry.Attempts,
				BaseDelay: sc.Retry.BaseDelay,
				MaxDelay:  sc.Retry.MaxDelay,
				Jitter:    true,
			}),
			ingestor.WithLogger[transformer.RawRecord](a.logger.Named("ingestor")),
		)
		if err != nil {
			return nil, err
		}
		return ing, nil

	case "postgres":
		pg, err := listener.NewPostgres(ctx, listener.PostgresConfig{
			DSN:      sc.Postgres.DSN,
			Table:    sc.Postgres.Table,
			MaxConns: sc.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown sink %q", sc.Kind)
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// Broker is the in-process broker of the memory transport, or nil.
func (a *App) Broker() *source.Broker { return a.broker }

// Handler serves the admin endpoints.
func (a *App) Handler() http.Handler { return a.admin.Handler() }

// Container exposes the running container.
func (a *App) Container() *container.Container { return a.container }

// Run starts the container and the admin server and blocks until ctx is done
// or the worker exits on a terminal failure, which is returned.
func (a *App) Run(ctx context.Context) error {
	// Cancelling ctx means shut down, not interrupt.
	if err := a.container.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	a.logger.Info("listener started",
		zap.String("destination", a.cfg.Listener.Destination),
		zap.String("transport", a.cfg.Transport.Kind),
		zap.String("sink", a.cfg.Sink.Kind),
	)

	serverErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			a.logger.Info("admin server started", zap.Int("port", a.cfg.Admin.Port))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case <-a.container.Done():
		runErr = a.container.Failure()
		a.logger.Error("worker exited", zap.Error(runErr))
	case err := <-serverErr:
		runErr = fmt.Errorf("admin server: %w", err)
		a.logger.Error("admin server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.container.Destroy(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin server: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		a.logger.Warn("shutdown incomplete", zap.Error(errors.Join(errs...)))
	}
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
