package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/pflag"

	"meetrelay/internal/audit"
	"meetrelay/internal/config"
	"meetrelay/internal/control"
	"meetrelay/internal/creds"
	"meetrelay/internal/gateway"
	"meetrelay/internal/metrics"
	"meetrelay/internal/room"
	"meetrelay/internal/session"
	"meetrelay/internal/udprelay"
)

func main() {
	// Dispatch CLI subcommands (useradd, ban, auditlog, ...) before
	// treating the arguments as server flags.
	if len(os.Args) > 1 {
		if handled, err := runCLI(os.Args[1:]); handled {
			if err != nil {
				slog.Error("command failed", "err", err)
				os.Exit(1)
			}
			return
		}
	}

	fs := pflag.NewFlagSet("meetrelay", pflag.ExitOnError)
	configFile := fs.String("config", "", "optional config file (yaml/json/toml)")
	config.Flags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, fs)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("server", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	credsStore, err := creds.Open(cfg.CredsFile)
	if err != nil {
		return err
	}

	auditStore, err := audit.Open(cfg.AuditDB)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	sessions := session.NewRegistry()
	rooms := room.NewRegistry()
	fileRate := control.NewFileMetaLimiter(5, 60*time.Second)

	deps := &control.Deps{
		Creds:        credsStore,
		Sessions:     sessions,
		Rooms:        rooms,
		FileRate:     fileRate,
		AutoRegister: cfg.AutoRegister,
		IdleTimeout:  cfg.IdleTimeout,
		MaxFileSize:  cfg.MaxFileSize,
		MaxChunkSize: cfg.MaxChunkSize,
		Audit: func(actor, action, target, details string) {
			if err := auditStore.LogAction(actor, action, target, details); err != nil {
				slog.Error("audit log write failed", "action", action, "err", err)
			}
		},
		IsBanned: auditStore.IsBanned,
	}

	tcpAddr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.TCPPort))
	controlSrv := control.NewServer(tcpAddr, deps)

	collectors, registry := metrics.NewCollectors()

	voiceConn, err := net.ListenPacket("udp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.UDPVoicePort)))
	if err != nil {
		return err
	}
	videoConn, err := net.ListenPacket("udp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.UDPVideoPort)))
	if err != nil {
		return err
	}

	voiceRelay := udprelay.NewRelay("voice", voiceConn, cfg.UDPLiveness, cfg.UDPRateLimitPPS, auditStore.IsBanned)
	videoRelay := udprelay.NewRelay("video", videoConn, cfg.UDPLiveness, cfg.UDPRateLimitPPS, auditStore.IsBanned)

	gw := gateway.New(tcpAddr, func() bool { return true })
	gw.Echo().GET("/metrics", echo.WrapHandler(metrics.Handler(registry)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	errCh := make(chan error, 4)

	go func() { errCh <- controlSrv.Run(ctx) }()
	go func() { errCh <- voiceRelay.Run(ctx) }()
	go func() { errCh <- videoRelay.Run(ctx) }()

	go func() {
		tlsCfg, fingerprint, err := generateTLSConfig(cfg.CertValidity, cfg.BindHost)
		if err != nil {
			errCh <- err
			return
		}
		slog.Info("gateway TLS certificate", "fingerprint", fingerprint)
		gwAddr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.GatewayPort))
		errCh <- gw.RunTLS(ctx, gwAddr, tlsCfg)
	}()

	var lastVS, lastDS udprelay.Stats
	go metrics.RunSummaryLog(ctx, 30*time.Second, func() metrics.Snapshot {
		vs, ds := voiceRelay.Snapshot(), videoRelay.Snapshot()
		collectors.ActiveConnections.Set(float64(sessions.Count()))
		collectors.ActiveRooms.Set(float64(len(rooms.List())))
		collectors.RelayedPackets.WithLabelValues("voice").Add(float64(vs.RelayedPackets - lastVS.RelayedPackets))
		collectors.RelayedBytes.WithLabelValues("voice").Add(float64(vs.RelayedBytes - lastVS.RelayedBytes))
		collectors.RelayedPackets.WithLabelValues("video").Add(float64(ds.RelayedPackets - lastDS.RelayedPackets))
		collectors.RelayedBytes.WithLabelValues("video").Add(float64(ds.RelayedBytes - lastDS.RelayedBytes))
		collectors.RateLimitDrops.WithLabelValues("udp").Add(float64(vs.DroppedRateLimited - lastVS.DroppedRateLimited + ds.DroppedRateLimited - lastDS.DroppedRateLimited))
		lastVS, lastDS = vs, ds
		return metrics.Snapshot{
			Connections:  sessions.Count(),
			Rooms:        len(rooms.List()),
			VoicePackets: vs.RelayedPackets,
			VoiceBytes:   vs.RelayedBytes,
			VideoPackets: ds.RelayedPackets,
			VideoBytes:   ds.RelayedBytes,
		}
	})

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := auditStore.PurgeExpired(); err != nil {
					slog.Error("purge expired bans", "err", err)
				} else if n > 0 {
					slog.Info("purged expired bans", "count", n)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}
