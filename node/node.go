// Package node assembles a full teleportal node from its services: storage,
// replication, the sync server, the websocket gateway and monitoring. It
// manages their lifecycle and shuts them down gracefully when the process
// ends.
package node

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/teleportal-io/teleportal/cmd/teleportal/flags"
	"github.com/teleportal-io/teleportal/limiter"
	"github.com/teleportal-io/teleportal/monitoring"
	"github.com/teleportal-io/teleportal/pubsub"
	"github.com/teleportal-io/teleportal/pubsub/natsps"
	"github.com/teleportal-io/teleportal/runtime"
	"github.com/teleportal-io/teleportal/server"
	"github.com/teleportal-io/teleportal/storage"
	"github.com/teleportal-io/teleportal/storage/batcher"
	"github.com/teleportal-io/teleportal/storage/boltdb"
	"github.com/teleportal-io/teleportal/storage/lrucache"
	"github.com/teleportal-io/teleportal/storage/memorydb"
)

var log = logrus.WithField("prefix", "node")

const dbFileName = "teleportal.db"

// Node handles the lifecycle of the entire system and registers services to a
// service registry.
type Node struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{}

	store      storage.Storage
	milestones storage.MilestoneStorage
	files      storage.FileStorage
	batcher    *batcher.Batcher
	dbCloser   func() error
	ps         pubsub.PubSub
	sync       *server.Server
}

// New creates a node instance and registers every required service.
func New(cliCtx *cli.Context) (*Node, error) {
	ctx, cancel := context.WithCancel(cliCtx.Context)
	n := &Node{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := n.startStorage(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.startPubSub(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerSyncService(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerGateway(); err != nil {
		cancel()
		return nil, err
	}
	if !cliCtx.Bool(flags.DisableMonitoringFlag.Name) {
		if err := n.registerMonitoring(); err != nil {
			cancel()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) startStorage() error {
	dataDir := n.cliCtx.String(flags.DataDirFlag.Name)
	if dataDir == "" {
		db := memorydb.New(nil)
		n.store, n.milestones, n.files = db, db, db
		log.Info("Using in-memory document store")
	} else {
		path := filepath.Join(dataDir, dbFileName)
		db, err := boltdb.Open(path, nil)
		if err != nil {
			return errors.Wrapf(err, "open database at %s", path)
		}
		cached, err := lrucache.New(db, lrucache.DefaultSize)
		if err != nil {
			return err
		}
		n.store, n.milestones, n.files = cached, db, db
		n.dbCloser = db.Close
		log.WithField("path", path).Info("Opened document database")
	}
	n.batcher = batcher.New(n.store, batcher.Config{
		BatchWait: n.cliCtx.Duration(flags.BatchWaitFlag.Name),
	})
	return nil
}

func (n *Node) startPubSub() error {
	url := n.cliCtx.String(flags.NATSURLFlag.Name)
	if url == "" {
		n.ps = pubsub.NewMemory()
		return nil
	}
	ps, err := natsps.New(natsps.Config{
		URL:  url,
		Name: "teleportal-" + n.cliCtx.String(flags.NodeIDFlag.Name),
	})
	if err != nil {
		return errors.Wrap(err, "connect replication bus")
	}
	n.ps = ps
	log.WithField("url", url).Info("Connected to replication bus")
	return nil
}

func (n *Node) registerSyncService() error {
	rules, err := limiter.ParseRules(n.cliCtx.StringSlice(flags.RateRuleFlag.Name))
	if err != nil {
		return err
	}
	lim := limiter.New(limiter.Config{
		Rules:          rules,
		MaxMessageSize: n.cliCtx.Uint64(flags.MaxMessageSizeFlag.Name),
		BurstRate:      n.cliCtx.Float64(flags.BurstRateFlag.Name),
	})

	var triggers []storage.Trigger
	if every := n.cliCtx.Uint64(flags.MilestoneEveryFlag.Name); every > 0 {
		triggers = append(triggers, storage.Trigger{
			Type:  storage.TriggerUpdateCount,
			Name:  "auto",
			Every: every,
		})
	}

	cfg := server.DefaultConfig()
	cfg.NodeID = n.cliCtx.String(flags.NodeIDFlag.Name)
	cfg.Storage = n.batcher
	cfg.Milestones = n.milestones
	cfg.Files = n.files
	cfg.Limiter = lim
	cfg.PubSub = n.ps
	cfg.MilestoneTriggers = triggers
	cfg.IdleTimeout = n.cliCtx.Duration(flags.IdleTimeoutFlag.Name)
	cfg.SessionGrace = n.cliCtx.Duration(flags.SessionGraceFlag.Name)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	n.sync = srv
	return n.services.RegisterService("sync", srv)
}

func (n *Node) registerGateway() error {
	gw := newGateway(
		n.cliCtx.String(flags.WSAddrFlag.Name),
		n.sync,
		int64(n.cliCtx.Uint64(flags.MaxMessageSizeFlag.Name)),
	)
	return n.services.RegisterService("gateway", gw)
}

func (n *Node) registerMonitoring() error {
	registry := n.sync.Metrics().Registry()
	logrus.AddHook(monitoring.NewLogrusCollector(registry))
	svc := monitoring.New(&monitoring.Config{
		Addr:     n.cliCtx.String(flags.MonitoringAddrFlag.Name),
		Registry: registry,
		Services: n.services,
		Report:   n.sync.StatusReport,
	})
	return n.services.RegisterService("monitoring", svc)
}

// Start kicks off every registered service and blocks until shutdown.
func (n *Node) Start() {
	n.lock.Lock()
	log.Info("Starting teleportal node")
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the teleportal node")
	}()

	<-stop
}

// Close handles graceful shutdown of the system.
func (n *Node) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping teleportal node")
	n.services.StopAll()
	n.batcher.Flush()
	if n.dbCloser != nil {
		if err := n.dbCloser(); err != nil {
			log.WithError(err).Error("Failed to close database")
		}
	}
	if err := n.ps.Close(); err != nil {
		log.WithError(err).Error("Failed to close replication bus")
	}
	n.cancel()
	close(n.stop)
}
