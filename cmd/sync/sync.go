// Package sync implements the `sync` sub-command.
package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ethsync/stagesync/api"
	cmdCommon "github.com/ethsync/stagesync/cmd/common"
	"github.com/ethsync/stagesync/config"
	"github.com/ethsync/stagesync/emitters"
	"github.com/ethsync/stagesync/events/redispub"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
	"github.com/ethsync/stagesync/stagedsync"
	"github.com/ethsync/stagesync/stages/finish"
	"github.com/ethsync/stagesync/stages/headers"
	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/tip"
)

const (
	moduleName = "sync_service"

	metricsPrefix = "stagesync"
)

var (
	// Path to the configuration file.
	configFile string

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Sync the chain through the staged pipeline",
		Run:   runSync,
	}
)

func runSync(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = cmdCommon.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := cmdCommon.RootLogger()

	if cfg.Sync == nil {
		logger.Error("sync config not provided")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := Init(ctx, cfg)
	if err != nil {
		os.Exit(1)
	}

	err = service.Run(ctx)
	service.Close()
	if err != nil {
		logger.Error("sync service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sync service stopped")
}

// Service runs the sync pipeline together with its supporting services:
// the chain tip follower, metrics, the status API and the event publisher.
type Service struct {
	cfg *config.Config

	db        storage.Database
	follower  *tip.EthFollower
	pipeline  *stagedsync.Pipeline
	status    *api.StatusTracker
	statusAPI *api.StatusAPI
	forwarder *redispub.Forwarder

	syncMetrics *metrics.SyncMetrics
	metricSub   *emitters.Subscription[stagedsync.MetricEvent]
	eventSubs   []*emitters.Subscription[stagedsync.Event]

	closers []func()
	logger  *log.Logger
}

// Init initializes the sync service.
func Init(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)
	s := &Service{cfg: cfg, logger: logger}
	if err := s.init(ctx); err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	cfg := s.cfg.Sync
	s.logger.Info("initializing sync service",
		"rpc", cfg.Source.RPC,
		"storage_backend", cfg.Storage.Backend,
	)

	db, err := cmdCommon.NewDatabase(cfg.Storage, s.logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, db.Close)
	if err := cmdCommon.PrepareStorage(ctx, cfg.Storage, db, s.logger); err != nil {
		return err
	}

	client, err := tip.Dial(ctx, cfg.Source.RPC)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, client.Close)

	tracker := tip.NewTracker()
	s.follower = tip.NewEthFollower(client, tracker, cfg.Source.PollInterval, s.logger)

	s.pipeline = stagedsync.New(stagedsync.Config{
		StartWithRollbackToBlock:   cfg.StartWithRollbackToBlock,
		StopSyncAfterReachingBlock: cfg.StopSyncAfterReachingBlock,
		ExitAfterSync:              cfg.ExitAfterSync,
	}, db, tracker, s.logger).
		PushStage(headers.New(client, cfg.HeadersBatchSize, s.logger), false).
		PushStage(finish.Stage{}, true)
	s.closers = append(s.closers, s.pipeline.Close)

	s.syncMetrics = metrics.NewDefaultSyncMetrics(metricsPrefix)
	s.metricSub = s.pipeline.SubscribeMetrics()
	s.eventSubs = append(s.eventSubs, s.pipeline.SubscribeEvents())

	s.status = api.NewStatusTracker(s.pipeline.Stages())
	s.eventSubs = append(s.eventSubs, s.pipeline.SubscribeEvents())
	s.logger.Info("configured pipeline", "stages", s.pipeline.Stages())
	if s.cfg.Server != nil {
		s.statusAPI = api.NewStatusAPI(s.pipeline, s.status, metrics.NewDefaultRequestMetrics(metricsPrefix), s.logger)
	}

	if s.cfg.Events != nil && s.cfg.Events.Redis != nil {
		rc := s.cfg.Events.Redis
		redisCfg := redispub.Config{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			Channel:   rc.Channel,
			KeyPrefix: rc.KeyPrefix,
		}
		pub, err := redispub.Dial(ctx, redisCfg)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() {
			if err := pub.Close(); err != nil {
				s.logger.Warn("closing redis publisher", "error", err)
			}
		})
		s.forwarder = redispub.NewForwarder(pub, redisCfg, s.logger)
		s.eventSubs = append(s.eventSubs, s.pipeline.SubscribeEvents())
	}
	return nil
}

// Run runs the service until ctx is done, the pipeline fails, or the
// pipeline finishes syncing with exit_after_sync set.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Stop the supporting services once the pipeline is done.
		defer cancel()
		err := s.pipeline.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return s.follower.Run(ctx)
	})
	g.Go(func() error {
		return s.syncMetrics.Consume(ctx, s.metricSub, s.eventSubs[0])
	})
	g.Go(func() error {
		return s.status.Consume(ctx, s.eventSubs[1])
	})
	if s.statusAPI != nil {
		g.Go(func() error {
			return s.statusAPI.Run(ctx, s.cfg.Server.Endpoint)
		})
	}
	if s.forwarder != nil {
		g.Go(func() error {
			return s.forwarder.Run(ctx, s.eventSubs[2])
		})
	}
	if m := s.cfg.Metrics; m != nil {
		g.Go(func() error {
			return metrics.NewPullService(m.PullEndpoint, s.logger).Run(ctx)
		})
		if m.PprofEndpoint != "" {
			g.Go(func() error {
				return cmdCommon.RunPprof(ctx, m.PprofEndpoint, s.logger)
			})
		}
	}

	s.logger.Info("started all services")
	return g.Wait()
}

// Close releases all resources of the service, in reverse order of creation.
// It is safe to call Close multiple times.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Register registers the sync sub-command.
func Register(parentCmd *cobra.Command) {
	syncCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(syncCmd)
}
