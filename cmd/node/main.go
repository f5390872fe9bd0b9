package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/veilx/params"
	"github.com/uhyunpark/veilx/pkg/api"
	"github.com/uhyunpark/veilx/pkg/app/darkpool"
	"github.com/uhyunpark/veilx/pkg/crypto"
	"github.com/uhyunpark/veilx/pkg/events"
	"github.com/uhyunpark/veilx/pkg/listener"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/report"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
)

func main() {
	// .env in the working directory, then VEILX_* env vars, then VEILX_CONFIG
	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	var (
		store *storage.PebbleStore
		err   error
	)
	if cfg.Node.InMemory {
		store, err = storage.NewMemStore()
	} else {
		store, err = storage.NewPebbleStore(cfg.Node.DataDir)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	sub, closeSub, err := newSubmitter(ctx, cfg, sugar.Named("report"), m)
	if err != nil {
		return err
	}
	defer closeSub()

	hub := api.NewHub(sugar.Named("ws"))
	pub := events.Publisher(hub)
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, sugar.Named("kafka"))
		if err != nil {
			return err
		}
		pub = events.NewFanout(hub, kp)
	}
	defer pub.Close()

	app, err := darkpool.NewApp(cfg, darkpool.Deps{
		Store:     store,
		Submitter: sub,
		Publisher: pub,
		Dialer:    listener.EthDialer,
		Log:       sugar,
		Clock:     util.RealClock{},
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	server := api.NewServer(app, hub, cfg.Node.CORSOrigins, sugar.Named("api"))

	sugar.Infow("node_starting",
		"chains", len(cfg.Chains),
		"pairs", len(cfg.Pairs),
		"home_chain", cfg.Settlement.HomeChain,
		"fallback", cfg.Report.OperatorKey != "",
		"kafka", len(cfg.Kafka.Brokers) > 0)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		err := server.Start(ctx, cfg.Node.HTTPAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// newSubmitter builds the report path: the workflow endpoint first and, when
// an operator key is configured, direct vault calls as fallback.
func newSubmitter(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger, m *metrics.Metrics) (report.Submitter, func(), error) {
	var primary report.Submitter
	if cfg.Report.WorkflowURL != "" {
		primary = report.NewReporter(
			report.NewWorkflowClient(cfg.Report.WorkflowURL, cfg.Report.WorkflowAPIKey, cfg.Report.Timeout),
			report.Primary)
	}

	if cfg.Report.OperatorKey == "" {
		if primary == nil {
			return nil, nil, errors.New("no report path configured: set report.workflow_url or report.operator_key")
		}
		return report.NewFailover(primary, nil, cfg.Report.Timeout, sugar, m), func() {}, nil
	}

	signer, err := crypto.FromPrivateKeyHex(cfg.Report.OperatorKey)
	if err != nil {
		return nil, nil, err
	}
	targets := make(map[uint64]report.ChainTarget, len(cfg.Chains))
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, ch := range cfg.Chains {
		c, err := ethclient.DialContext(ctx, ch.RPCURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients = append(clients, c)
		targets[ch.Selector] = report.ChainTarget{Backend: c, Vault: ch.VaultAddress()}
	}
	fallback := report.NewReporter(report.NewChainSubmitter(signer, targets, sugar.Named("fallback")), report.Fallback)
	sugar.Infow("fallback_enabled", "operator", signer.Address().Hex(), "chains", len(targets))

	if primary == nil {
		return fallback, closeAll, nil
	}
	return report.NewFailover(primary, fallback, cfg.Report.Timeout, sugar, m), closeAll, nil
}
