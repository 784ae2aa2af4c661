package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanlink/config"
	"lanlink/crypto"
	"lanlink/discovery"
	"lanlink/logging"
	"lanlink/models"
	"lanlink/network"
	"lanlink/packet"
	"lanlink/registry"
	"lanlink/storage"
)

type rootOptions struct {
	dataDir string
	debug   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "lanlink",
		Short: "Discover, pair and talk to devices on the local network",
		Long: `lanlink announces this device on the LAN, pairs with peers over TLS and
keeps trusted devices connected.

Use "lanlink [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Data directory (default: per-user lanlink directory, or $"+config.DataDirEnv+")")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newRunCommand(opts),
		newDiscoverCommand(opts),
		newDevicesCommand(opts),
		newPairCommand(opts),
		newUnpairCommand(opts),
		newSecurityEventsCommand(opts),
	)
	return root
}

// app bundles what every command needs from the data directory.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	logger  *zap.Logger
	store   *storage.Store
}

func bootstrap(opts *rootOptions) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate(opts.dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.SetSecurityEventRetention(cfg.SecurityEventRetention()); err != nil {
		logger.Warn("prune security events failed", zap.Error(err))
	}

	return &app{cfg: cfg, cfgPath: cfgPath, logger: logger, store: store}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close error", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// identity is the announced identity. Capabilities are the packet types the
// dispatcher has consumers for; a nil dispatcher announces none.
func (a *app) identity(dispatcher *network.Dispatcher) models.DeviceIdentity {
	identity := models.DeviceIdentity{
		DeviceID:        a.cfg.DeviceID,
		DeviceName:      a.cfg.DeviceName,
		DeviceType:      models.DeviceType(a.cfg.DeviceType),
		ProtocolVersion: packet.ProtocolVersion,
	}
	if dispatcher != nil {
		types := dispatcher.Types()
		identity.IncomingCapabilities = types
		identity.OutgoingCapabilities = append([]string(nil), types...)
	}
	return identity
}

// managerSetup is what differs between commands that run a connection manager.
type managerSetup struct {
	registry   *registry.Registry
	approver   network.Approver
	dispatcher *network.Dispatcher
	// listenAddress overrides the configured listen port when set.
	listenAddress      string
	disableAutoConnect bool
}

func (a *app) newManager(setup managerSetup) (*network.Manager, tls.Certificate, error) {
	cert, err := a.certificate()
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	listenAddress := setup.listenAddress
	if listenAddress == "" && a.cfg.ListenPort > 0 {
		listenAddress = fmt.Sprintf(":%d", a.cfg.ListenPort)
	}
	manager, err := network.NewManager(network.ManagerOptions{
		Identity:           network.LocalIdentity{Identity: a.identity(setup.dispatcher), Certificate: cert},
		Registry:           setup.registry,
		Store:              a.store,
		Journal:            a.store,
		Approver:           setup.approver,
		Dispatcher:         setup.dispatcher,
		Logger:             a.logger,
		ListenAddress:      listenAddress,
		IdentityTimeout:    a.cfg.IdentityTimeout(),
		PairTimeout:        a.cfg.PairTimeout(),
		StaleAfter:         a.cfg.StaleAfter(),
		DisableAutoConnect: setup.disableAutoConnect,
	})
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return manager, cert, nil
}

const pingType = "kdeconnect.ping"

// pingHandler logs pings; the body is not interpreted.
func pingHandler(logger *zap.Logger) network.Handler {
	return network.HandlerFunc(func(deviceID string, p *packet.Packet) {
		logger.Info("ping received", zap.String("device_id", deviceID), zap.Int64("packet_id", p.ID()))
	})
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run discovery and accept pairing connections",
		Long: `Announce this device, connect to trusted devices as they are discovered and
accept new pairing requests. Requests are confirmed interactively on stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, os.Stdin, cmd.OutOrStdout())
		},
	}
}

func (a *app) run(ctx context.Context, in io.Reader, out io.Writer) error {
	reg := registry.New(registry.Options{Logger: a.logger})
	queue := network.NewApprovalQueue(16)
	dispatcher := network.NewDispatcher(a.logger)
	dispatcher.Register(pingType, pingHandler(a.logger))

	manager, cert, err := a.newManager(managerSetup{registry: reg, approver: queue, dispatcher: dispatcher})
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer manager.Stop()

	fmt.Fprintf(out, "Device ID:       %s\n", a.cfg.DeviceID)
	fmt.Fprintf(out, "Device Name:     %s\n", a.cfg.DeviceName)
	fmt.Fprintf(out, "Listening:       %s\n", manager.Addr())
	fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.LocalFingerprint(cert)))
	fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)

	svc, err := discovery.NewService(discovery.Config{
		Identity:          manager.LocalIdentity(),
		Sink:              manager,
		Logger:            a.logger,
		Port:              a.cfg.DiscoveryPort,
		BroadcastInterval: a.cfg.BroadcastInterval(),
	})
	if err == nil {
		err = svc.Start()
	}
	if err != nil {
		// Inbound connections still work without discovery.
		a.logger.Warn("discovery disabled", zap.Error(err))
		fmt.Fprintln(out, "Discovery:       disabled")
	} else {
		defer svc.Stop()
		fmt.Fprintln(out, "Discovery:       running")
	}

	go logRegistryEvents(ctx, reg.Events(), a.logger)
	go promptApprovals(ctx, queue, in, out)

	fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Fprintln(out, "Status:          shutting down")
	return nil
}

// promptApprovals asks the user about each pairing request. Anything other
// than y/yes declines.
func promptApprovals(ctx context.Context, queue *network.ApprovalQueue, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var req network.PairRequest
		select {
		case req = <-queue.Requests():
		case <-ctx.Done():
			return
		}

		fmt.Fprintf(out, "Pair request from %q (%s)\n  fingerprint %s\nAccept? [y/N]: ",
			req.DeviceName, req.DeviceID, crypto.FormatFingerprint(req.Fingerprint))

		var answer string
		select {
		case line, ok := <-lines:
			if !ok {
				_ = queue.Resolve(req.DeviceID, false)
				return
			}
			answer = line
		case <-ctx.Done():
			return
		}

		accept := isYes(answer)
		if err := queue.Resolve(req.DeviceID, accept); errors.Is(err, network.ErrNoPendingRequest) {
			fmt.Fprintln(out, "Request expired.")
			continue
		}
		if accept {
			fmt.Fprintln(out, "Accepted.")
		} else {
			fmt.Fprintln(out, "Declined.")
		}
	}
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func logRegistryEvents(ctx context.Context, events <-chan registry.Event, logger *zap.Logger) {
	for {
		select {
		case event := <-events:
			rec := event.Record
			logger.Info("device "+event.Kind.String(),
				zap.String("device_id", rec.DeviceID()),
				zap.String("device_name", rec.Identity.DeviceName),
				zap.Stringer("trust", rec.Trust),
				zap.Stringer("connection", rec.Connection),
			)
		case <-ctx.Done():
			return
		}
	}
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	var (
		duration time.Duration
		announce bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Listen for device announcements and list what was seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.discover(ctx, duration, announce, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "How long to listen")
	cmd.Flags().BoolVar(&announce, "announce", false, "Also announce this device while listening")
	return cmd
}

func (a *app) discover(ctx context.Context, duration time.Duration, announce bool, out io.Writer) error {
	reg := registry.New(registry.Options{Logger: a.logger})
	svc, err := discovery.NewService(discovery.Config{
		Identity:          a.identity(nil),
		Sink:              reg,
		Logger:            a.logger,
		Port:              a.cfg.DiscoveryPort,
		BroadcastInterval: a.cfg.BroadcastInterval(),
		DisableAnnounce:   !announce,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	svc.Stop()

	records := reg.List()
	if len(records) == 0 {
		fmt.Fprintln(out, "No devices found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tTYPE\tADDRESS\tPROTOCOL")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			rec.DeviceID(), rec.Identity.DeviceName, rec.Identity.DeviceType, rec.DialAddress(), rec.Identity.ProtocolVersion)
	}
	return w.Flush()
}

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List trusted devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.listDevices(cmd.OutOrStdout())
		},
	}
}

func (a *app) listDevices(out io.Writer) error {
	cert, err := a.certificate()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "This device: %s (%s)\n  fingerprint %s\n\n",
		a.cfg.DeviceName, a.cfg.DeviceID, crypto.FormatFingerprint(crypto.LocalFingerprint(cert)))

	devices, err := a.store.ListTrustedDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No trusted devices.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tTYPE\tPAIRED\tFINGERPRINT")
	for _, device := range devices {
		paired := time.UnixMilli(device.PairedTimestamp).Format(time.DateTime)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			device.DeviceID, device.DeviceName, device.DeviceType, paired, crypto.FormatFingerprint(device.Fingerprint))
	}
	return w.Flush()
}

func newUnpairCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Forget a trusted device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.unpair(args[0], cmd.OutOrStdout())
		},
	}
}

func (a *app) unpair(deviceID string, out io.Writer) error {
	if err := a.store.RemoveTrustedDevice(deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("device %q is not trusted", deviceID)
		}
		return err
	}
	if err := a.store.RecordSecurityEvent(storage.EventUnpaired, deviceID, storage.SecuritySeverityInfo, map[string]any{
		"initiator": "cli",
	}); err != nil {
		a.logger.Warn("record security event failed", zap.Error(err))
	}
	fmt.Fprintf(out, "Removed %s.\n", deviceID)
	return nil
}

type pairOptions struct {
	deviceID string
	// address is host:port of the device's TCP listener. Empty waits for a
	// discovery announcement instead.
	address string
	wait    time.Duration
	listen  string
}

func newPairCommand(opts *rootOptions) *cobra.Command {
	po := pairOptions{}
	cmd := &cobra.Command{
		Use:   "pair <device-id>",
		Short: "Connect to a device and request pairing",
		Long: `Dial a device and run the pairing handshake. The remote user has to accept
the request. Without --address the device is located through discovery.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			po.deviceID = args[0]
			return a.pair(ctx, po, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&po.address, "address", "a", "", "Address of the device's TCP listener (host:port)")
	cmd.Flags().DurationVar(&po.wait, "wait", 10*time.Second, "How long to wait for the device to be discovered")
	cmd.Flags().StringVar(&po.listen, "listen", "", "Local listen address (default: configured port or the protocol range)")
	return cmd
}

func (a *app) pair(ctx context.Context, po pairOptions, out io.Writer) error {
	if po.deviceID == a.cfg.DeviceID {
		return errors.New("cannot pair with this device")
	}

	reg := registry.New(registry.Options{Logger: a.logger})
	manager, _, err := a.newManager(managerSetup{
		registry:           reg,
		approver:           network.RejectAll,
		listenAddress:      po.listen,
		disableAutoConnect: true,
	})
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer manager.Stop()

	if po.address != "" {
		target, err := net.ResolveTCPAddr("tcp", po.address)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", po.address, err)
		}
		ap := target.AddrPort()
		reg.Observe(models.DeviceIdentity{DeviceID: po.deviceID, TCPPort: int(ap.Port())},
			netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	} else if err := a.awaitDiscovery(ctx, manager, reg, po.deviceID, po.wait); err != nil {
		return err
	}

	wasPaired := false
	if rec, ok := reg.Get(po.deviceID); ok && rec.Trust == registry.TrustPaired {
		wasPaired = true
	}

	fmt.Fprintf(out, "Connecting to %s...\n", po.deviceID)
	conn, err := manager.Connect(ctx, po.deviceID)
	if err != nil {
		var hsErr *network.HandshakeError
		if errors.As(err, &hsErr) {
			return fmt.Errorf("pair with %s failed (%s): %w", po.deviceID, hsErr.Class(), err)
		}
		return fmt.Errorf("pair with %s: %w", po.deviceID, err)
	}

	peer := conn.Peer()
	if wasPaired {
		fmt.Fprintf(out, "Connected to %q (%s), already paired.\n", peer.DeviceName, peer.DeviceID)
	} else {
		fmt.Fprintf(out, "Paired with %q (%s)\n", peer.DeviceName, peer.DeviceID)
	}
	fmt.Fprintf(out, "  fingerprint %s\n", crypto.FormatFingerprint(conn.Fingerprint()))
	return nil
}

// awaitDiscovery listens for announcements until deviceID has a dial address.
func (a *app) awaitDiscovery(ctx context.Context, manager *network.Manager, reg *registry.Registry, deviceID string, wait time.Duration) error {
	svc, err := discovery.NewService(discovery.Config{
		Identity:          manager.LocalIdentity(),
		Sink:              manager,
		Logger:            a.logger,
		Port:              a.cfg.DiscoveryPort,
		BroadcastInterval: a.cfg.BroadcastInterval(),
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("discovery unavailable, pass --address: %w", err)
	}
	defer svc.Stop()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if rec, ok := reg.Get(deviceID); ok && rec.DialAddress().IsValid() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return fmt.Errorf("device %s was not discovered within %s", deviceID, wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newSecurityEventsCommand(opts *rootOptions) *cobra.Command {
	var (
		filter storage.SecurityEventFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "security-events",
		Short: "Show the security journal",
		Long: `List recorded certificate and fingerprint mismatches, protocol version
mismatches and pairing decisions, newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.close()
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return a.listSecurityEvents(filter, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&filter.DeviceID, "device", "", "Only events about this device id")
	cmd.Flags().StringVar(&filter.EventType, "type", "", "Only events of this type (e.g. fingerprint_mismatch)")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "Only events of this severity (info, warning, critical)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of events")
	return cmd
}

func (a *app) listSecurityEvents(filter storage.SecurityEventFilter, out io.Writer) error {
	events, err := a.store.SecurityEvents(filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No security events.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tDEVICE\tDETAILS")
	for _, event := range events {
		device := event.DeviceID()
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Time().Format(time.DateTime), event.Severity, event.EventType, device, event.Details)
	}
	return w.Flush()
}
