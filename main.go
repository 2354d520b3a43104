package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"imbridge-server/config"
	"imbridge-server/domain"
	"imbridge-server/hub"
	"imbridge-server/presence"
	"imbridge-server/protocol"
	"imbridge-server/server"
	"imbridge-server/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	devices, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer devices.Close()

	notifier, err := openNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer notifier.Close()

	registry := hub.New()
	control := protocol.NewControlHandler(devices, registry)
	status := protocol.NewStatusHandler(devices, registry, notifier)

	srv := server.New(cfg.Addr(), devices, registry, control, status, cfg.ShutdownTimeout)
	return srv.Start(ctx)
}

func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func openStore(cfg config.Config) (domain.DeviceStore, error) {
	if cfg.StoreDriver == config.StoreSQLite {
		slog.Info("using sqlite device store", "path", cfg.SQLitePath)
		s, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	slog.Info("using in-memory device store")
	return store.NewMemory(), nil
}

func openNotifier(ctx context.Context, cfg config.Config) (domain.PresenceNotifier, error) {
	var notifiers presence.Multi

	if cfg.AMQPURL != "" {
		a := presence.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err := a.Start(ctx); err != nil {
			notifiers.Close()
			return nil, err
		}
		notifiers = append(notifiers, a)
	}
	if cfg.MQTTBroker != "" {
		m := presence.NewMQTT(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
		if err := m.Start(); err != nil {
			notifiers.Close()
			return nil, err
		}
		notifiers = append(notifiers, m)
	}

	if len(notifiers) == 0 {
		return presence.Nop{}, nil
	}
	return notifiers, nil
}
