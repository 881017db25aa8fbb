package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/clock"
	"gatewaylog/internal/config"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"
	"gatewaylog/internal/raft"
	"gatewaylog/internal/replay/socket"
	"gatewaylog/internal/storage/sqlite"
	"gatewaylog/internal/transport"
	"gatewaylog/internal/transport/ipc"
	"gatewaylog/internal/transport/kafka"
	"gatewaylog/internal/transport/rabbitmq"
	"gatewaylog/internal/transport/tcp"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", "gatewaylog.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("gatewaylogd node=%d: %v", cfg.Node.ID, err)
	}
}

func newLogger(c config.LogConfig) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tr, err := newTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer tr.Close()

	store, err := sqlite.NewStore(cfg.Node.StateDir)
	if err != nil {
		return fmt.Errorf("node state: %w", err)
	}
	defer store.Close()

	clk := clock.NewSystem()
	node, err := raft.NewNode(raft.Config{
		NodeID:    domain.NodeID(cfg.Node.ID),
		Members:   cfg.MemberIDs(),
		Transport: tr,
		Streams: raft.Streams{
			Channel:         cfg.Streams.Channel,
			Control:         cfg.Streams.Control,
			Data:            cfg.Streams.Data,
			Acknowledgement: cfg.Streams.Acknowledgement,
			DataSessionID:   cfg.Streams.DataSessionID,
		},
		Storage:             store,
		LogDirectory:        archive.NewLogDirectory(cfg.Node.LogDir),
		TermBufferLength:    cfg.Archive.TermBufferLength,
		InitialTermID:       cfg.Archive.InitialTermID,
		CacheCapacity:       cfg.Archive.CacheCapacity,
		TimeoutMs:           cfg.Raft.TimeoutMs,
		HeartbeatIntervalMs: cfg.Raft.HeartbeatIntervalMs,
		MaxClaimAttempts:    cfg.Raft.MaxClaimAttempts,
		ClaimIdle:           raft.YieldIdle{},
		ReliefValve: raft.ReliefValveFunc(func() {
			logger.Warn("control message dropped after back pressure")
		}),
		Seed:        cfg.Raft.Seed,
		DataHandler: &messageLogger{log: logger.With("component", "data")},
		Logger:      logger,
	}, clk.NowMs())
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dutyCycle(gctx, node, clk, cfg.Raft.FragmentLimit, func(st raft.Status) { logStatus(logger, st, tr) })
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-node.Faults():
			return fmt.Errorf("archive fault: %w", err)
		}
	})
	if cfg.Replay.Enabled {
		srv := socket.NewServer(socket.Config{
			Network:          cfg.Replay.Network,
			Address:          cfg.Replay.Address,
			UnixSocketPath:   cfg.Replay.UnixSocketPath,
			AuthToken:        cfg.Replay.AuthToken,
			MaxInflight:      cfg.Replay.MaxInflight,
			GlobalQueueLimit: cfg.Replay.QueueLimit,
			Workers:          cfg.Replay.Workers,
			Logger:           logger.With("component", "replay"),
		}, socket.NewNodeEngine(node))
		g.Go(func() error { return srv.Start(gctx) })
	}

	logger.Info("gatewaylogd started",
		"node", cfg.Node.ID,
		"members", cfg.Cluster.Members,
		"transport", cfg.Transport.Kind,
		"log_dir", cfg.Node.LogDir,
		"replay", cfg.Replay.Enabled,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gatewaylogd stopped", "state", node.State().String())
	return nil
}

const statusInterval = 10 * time.Second

// dutyCycle polls the node until ctx is done, backing off while idle. Every
// statusInterval it hands the node's status to report.
func dutyCycle(ctx context.Context, node *raft.Node, clk clock.Clock, fragmentLimit int, report func(raft.Status)) error {
	idle := raft.NewBackoffIdle(100, 100, 50*time.Microsecond, time.Millisecond)
	nextStatus := clk.NowMs() + statusInterval.Milliseconds()
	for ctx.Err() == nil {
		now := clk.NowMs()
		idle.Idle(node.Poll(fragmentLimit, now))
		if now >= nextStatus {
			report(node.Status())
			nextStatus = now + statusInterval.Milliseconds()
		}
	}
	return nil
}

func logStatus(log *slog.Logger, st raft.Status, tr transport.Transport) {
	attrs := []any{
		"role", st.Role.String(),
		"term", st.Term,
		"leader", st.Leader,
		"commit", st.CommitPosition,
		"archived", st.ArchivedPosition,
		"applied", st.AppliedPosition,
		"stale_messages", st.StaleMessages,
		"control_failures", st.ControlFailures,
		"sessions", st.Archive.Sessions,
		"open_gaps", st.Archive.OpenGaps,
		"gaps", st.Archive.Gaps,
		"duplicates", st.Archive.Duplicates,
	}
	switch t := tr.(type) {
	case *tcp.Transport:
		attrs = append(attrs, "tcp_dropped", t.Dropped())
	case *kafka.Transport:
		attrs = append(attrs, "kafka_failed_produces", t.FailedProduces())
	}
	log.Info("node status", attrs...)
}

func newTransport(cfg config.Config, logger *slog.Logger) (transport.Transport, error) {
	termLength, initialTermID := cfg.Archive.TermBufferLength, cfg.Archive.InitialTermID
	switch cfg.Transport.Kind {
	case config.TransportIPC:
		return ipc.New(ipc.Config{TermBufferLength: termLength, InitialTermID: initialTermID})
	case config.TransportTCP:
		peers, err := cfg.Transport.TCP.PeerAddresses()
		if err != nil {
			return nil, err
		}
		return tcp.New(tcp.Config{
			NodeID:           domain.NodeID(cfg.Node.ID),
			Address:          cfg.Transport.TCP.Address,
			Peers:            peers,
			TermBufferLength: termLength,
			InitialTermID:    initialTermID,
			Logger:           logger,
		})
	case config.TransportKafka:
		k := cfg.Transport.Kafka
		return kafka.New(kafka.Config{
			Brokers:          k.Brokers,
			TopicPrefix:      k.TopicPrefix,
			ClientID:         k.ClientID,
			Partitions:       k.Partitions,
			TLS:              k.TLS,
			TermBufferLength: termLength,
			InitialTermID:    initialTermID,
			Logger:           logger,
		})
	case config.TransportRabbitMQ:
		r := cfg.Transport.RabbitMQ
		return rabbitmq.New(rabbitmq.Config{
			URL:              r.URL,
			Endpoints:        r.Endpoints,
			Exchange:         r.Exchange,
			PrefetchCount:    r.PrefetchCount,
			Username:         r.Username,
			Password:         r.Password,
			TermBufferLength: termLength,
			InitialTermID:    initialTermID,
			Logger:           logger,
		})
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// messageLogger logs every archived data message by type.
type messageLogger struct {
	log *slog.Logger
}

func (m *messageLogger) OnMessage(msg *protocol.FixMessage, position int64) transport.Action {
	name, ok := protocol.MessageTypeName(msg.MessageType)
	if !ok {
		name = protocol.UnpackMessageType(msg.MessageType)
	}
	m.log.Debug("fix message", "type", name, "connection", msg.Connection, "seq", msg.SequenceNumber, "status", msg.Status, "position", position)
	return transport.Continue
}

func (m *messageLogger) OnDisconnect(libraryID int32, connection int64, reason protocol.DisconnectReason) transport.Action {
	m.log.Info("disconnect", "library", libraryID, "connection", connection, "reason", reason)
	return transport.Continue
}

func (m *messageLogger) OnILinkMessage(connection int64, payload []byte) transport.Action {
	m.log.Debug("ilink message", "connection", connection, "bytes", len(payload))
	return transport.Continue
}
