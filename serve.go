package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"plainpair/config"
	"plainpair/discovery"
	"plainpair/gateway"
	"plainpair/models"
	"plainpair/network"
	"plainpair/pairing"
)

// Events broadcast to console sessions.
const (
	eventPeersChanged    = "peers_changed"
	eventMessage         = "message_received"
	eventSessionsChanged = "sessions_changed"
)

func serveCmd() *cobra.Command {
	var port int
	var noDiscovery bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Advertise this device, accept pairing requests and messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, port, !noDiscovery)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listening port (overrides the configured port mode)")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "do not advertise or browse over mDNS")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, portOverride int, withDiscovery bool) error {
	dev, err := loadDevice(cmd)
	if err != nil {
		return err
	}
	defer dev.Close()
	cfg, logger := dev.cfg, dev.log

	server, err := network.NewServer(network.ServerOptions{
		Identity: dev.cert,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := server.Listen(listenAddress(cfg, portOverride)); err != nil {
		return err
	}

	transport, err := network.NewTransport(network.TransportOptions{
		LocalDeviceID:      cfg.DeviceID,
		Keys:               dev.keys,
		Audit:              dev.store,
		Identity:           dev.cert,
		ReplayWindow:       cfg.ReplayWindow(),
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	server.Handle(network.PathPeerMessage, transport.Handler(), http.MethodPost)

	coord, err := pairing.New(pairing.Options{
		LocalDeviceID:   cfg.DeviceID,
		LocalName:       cfg.DeviceName,
		LocalPort:       server.Port(),
		Identity:        dev.cert,
		Keys:            dev.keys,
		Audit:           dev.store,
		ApprovalTimeout: cfg.ApprovalTimeout(),
		Cooldown:        cfg.PairingCooldown(),
		StaleAfter:      cfg.DiscoveryStale(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	coord.Mount(server.Router())

	gw := gateway.New(gateway.Options{
		ApprovalTimeout: cfg.ApprovalTimeout(),
		Audit:           dev.store,
		Logger:          logger,
	})
	defer gw.Close()
	server.Handle(network.PathWebConsole, gw, http.MethodGet)

	var disc *discovery.Service
	if withDiscovery {
		disc, err = discovery.Start(discovery.Config{
			SelfDeviceID:   cfg.DeviceID,
			DeviceName:     cfg.DeviceName,
			ListeningPort:  server.Port(),
			KeyFingerprint: cfg.KeyFingerprint,
			PeerStaleAfter: cfg.DiscoveryStale(),
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		defer disc.Stop()
	}

	op := newOperator(operatorOptions{
		In:        cmd.InOrStdin(),
		Out:       cmd.OutOrStdout(),
		Coord:     coord,
		Gateway:   gw,
		Transport: transport,
		Keys:      dev.keys,
		Discovery: disc,
		Logger:    logger,
	})

	transport.OnMessage(func(msg models.Message) {
		op.printf("[%s] %s\n", op.peerLabel(msg.FromDeviceID), msg.Content)
		gw.Broadcast(eventMessage)
	})

	logger.Info().
		Str("device_id", cfg.DeviceID).
		Str("device_name", cfg.DeviceName).
		Int("port", server.Port()).
		Str("fingerprint", cfg.KeyFingerprint).
		Msg("plainpair started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx) })
	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return op.Run(gctx) })
	if disc != nil {
		g.Go(func() error { return bridgeDiscovery(gctx, disc.Scanner, coord, logger) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errQuit) {
		err = nil
	}
	logger.Info().Msg("plainpair stopped")
	return err
}

func listenAddress(cfg *config.DeviceConfig, portOverride int) string {
	port := 0
	switch {
	case portOverride > 0:
		port = portOverride
	case cfg.PortMode == config.PortModeFixed:
		port = cfg.ListeningPort
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// bridgeDiscovery feeds mDNS sightings into the coordinator.
func bridgeDiscovery(ctx context.Context, scanner *discovery.PeerScanner, coord *pairing.Coordinator, logger zerolog.Logger) error {
	log := logger.With().Str("component", "discovery-bridge").Logger()
	events := scanner.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Type != discovery.EventPeerUpserted {
				continue
			}
			ad, ok := event.Peer.Advertisement()
			if !ok {
				log.Debug().Str("peer_id", event.Peer.DeviceID).Msg("advertisement without address")
				continue
			}
			coord.OnDiscovered(ad)
		}
	}
}
