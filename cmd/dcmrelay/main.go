package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/config"
	"github.com/dcmshare/dcmrelay/matrix"
	"github.com/dcmshare/dcmrelay/metrics"
	"github.com/dcmshare/dcmrelay/objstore"
	"github.com/dcmshare/dcmrelay/pebble"
	"github.com/dcmshare/dcmrelay/relay"
	"github.com/dcmshare/dcmrelay/scp"
	"github.com/dcmshare/dcmrelay/scu"
	"github.com/dcmshare/dcmrelay/server"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("cmd/dcmrelay")

const shutdownTimeout = 30 * time.Second

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the TOML configuration file. Defaults apply when unset.",
		EnvVars: []string{"DCMRELAY_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "The logging level. Only applied if GOLOG_LOG_LEVEL environment variable is unset.",
	}
	keyStorePasswordFlag = &cli.StringFlag{
		Name:    "keystore-password",
		Usage:   "Password sealing the study key store.",
		EnvVars: []string{"DCMRELAY_KEYSTORE_PASSWORD"},
	}
	s3AccessKeyFlag = &cli.StringFlag{
		Name:    "s3-access-key-id",
		EnvVars: []string{"DCMRELAY_S3_ACCESS_KEY_ID"},
	}
	s3SecretKeyFlag = &cli.StringFlag{
		Name:    "s3-secret-access-key",
		EnvVars: []string{"DCMRELAY_S3_SECRET_ACCESS_KEY"},
	}
	azureAccountKeyFlag = &cli.StringFlag{
		Name:    "azure-account-key",
		EnvVars: []string{"DCMRELAY_AZURE_ACCOUNT_KEY"},
	}
	matrixPasswordFlag = &cli.StringFlag{
		Name:    "matrix-password",
		EnvVars: []string{"DCMRELAY_MATRIX_PASSWORD"},
	}
	forwardFlag = &cli.StringFlag{
		Name:  "forward",
		Usage: "Destination of fetched studies as AE@host:port. Overrides forward.destination.",
	}
)

func main() {
	app := &cli.App{
		Name:    "dcmrelay",
		Usage:   "Encrypting DICOM relay between a local PACS and object storage",
		Version: dcmrelay.Version,
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			keyStorePasswordFlag,
			s3AccessKeyFlag,
			s3SecretKeyFlag,
			azureAccountKeyFlag,
			matrixPasswordFlag,
		},
		Commands: []*cli.Command{
			serveCommand,
			sendCommand,
			refCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Receive, encrypt and upload studies; fetch and forward announced ones",
	Flags:  []cli.Flag{forwardFlag},
	Action: serve,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send Part 10 files or directories to a DICOM destination",
	ArgsUsage: "<file or directory>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "to",
			Usage:    "Destination as AE@host:port",
			Required: true,
		},
	},
	Action: send,
}

var refCommand = &cli.Command{
	Name:      "ref",
	Usage:     "Print the reference of an ingested study. The relay must not be running.",
	ArgsUsage: "<study instance UID>",
	Action:    printRef,
}

// loadConfig reads the configuration file and applies command line
// overrides on top of it.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cctx.String(configFlag.Name))
	if err != nil {
		return config.Config{}, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{logLevelFlag.Name, &cfg.Log.Level},
		{keyStorePasswordFlag.Name, &cfg.KeyStore.Password},
		{s3AccessKeyFlag.Name, &cfg.Storage.S3.AccessKeyID},
		{s3SecretKeyFlag.Name, &cfg.Storage.S3.SecretAccessKey},
		{azureAccountKeyFlag.Name, &cfg.Storage.Azure.AccountKey},
		{matrixPasswordFlag.Name, &cfg.Matrix.Password},
		{forwardFlag.Name, &cfg.Forward.Destination},
	}
	for _, o := range overrides {
		if cctx.IsSet(o.flag) {
			*o.dst = cctx.String(o.flag)
		}
	}
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
			return config.Config{}, fmt.Errorf("log level: %w", err)
		}
	}
	return cfg, nil
}

func newSender(cfg config.Forward, dest string, m *metrics.Metrics) (*scu.Sender, error) {
	d, err := scu.ParseDestination(dest)
	if err != nil {
		return nil, err
	}
	return scu.New(d,
		scu.WithCallingAETitle(cfg.CallingAETitle),
		scu.WithMaxPDULength(cfg.MaxPDULength),
		scu.WithTimeout(cfg.Timeout.Duration),
		scu.WithMetrics(m),
	)
}

func serve(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ks, err := pebble.NewPebbleKeyStore(filepath.Clean(cfg.KeyStore.Path), cfg.KeyStore.Password, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := ks.Close(); err != nil {
			log.Warnw("Failure occurred while closing key store.", "err", err)
		} else {
			log.Info("Closed key store successfully.")
		}
	}()
	log.Infow("Key store opened.", "path", cfg.KeyStore.Path)

	m, err := metrics.New(cfg.Metrics.ListenAddr, ks.Metrics)
	if err != nil {
		return err
	}

	store, err := objstore.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	var fetcher *relay.Fetcher
	if cfg.Forward.Destination != "" {
		sender, err := newSender(cfg.Forward, cfg.Forward.Destination, m)
		if err != nil {
			return err
		}
		fetcher, err = relay.NewFetcher(cfg.Staging.Dir, ks, store, sender,
			relay.WithWorkers(cfg.Relay.FetchWorkers),
			relay.WithQueueSize(cfg.Relay.QueueSize),
			relay.WithMetrics(m),
		)
		if err != nil {
			return err
		}
	} else {
		log.Warn("No forward destination configured; announced studies will not be fetched.")
	}

	var bridge *matrix.Bridge
	var notifier relay.Notifier
	if cfg.MatrixEnabled() {
		client, err := matrix.Login(ctx, cfg.Matrix.Homeserver, cfg.Matrix.User, cfg.Matrix.Password, cfg.Matrix.DeviceName)
		if err != nil {
			return dcmrelay.ErrMessaging{Op: "login", Err: err}
		}
		notify := func(ctx context.Context, roomID string, ref dcmrelay.StudyRef) {
			handleAnnouncement(ctx, bridge, fetcher, roomID, ref)
		}
		bridge, err = matrix.New(client, notify, matrix.WithJoinDelays(cfg.Matrix.JoinInitialDelay.Duration, cfg.Matrix.JoinMaxDelay.Duration))
		if err != nil {
			return err
		}
		notifier = bridge
	} else {
		log.Warn("No homeserver configured; ingested studies will not be announced.")
	}

	ingester, err := relay.NewIngester(cfg.Staging.Dir, ks, store, notifier,
		relay.WithWorkers(cfg.Relay.Workers),
		relay.WithQueueSize(cfg.Relay.QueueSize),
		relay.WithAnnounceDelay(cfg.Relay.AnnounceDelay.Duration),
		relay.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	receiver, err := scp.New(cfg.Staging.Dir, ingester,
		scp.WithAETitle(cfg.Receiver.AETitle),
		scp.WithRequireCalledAETitle(!cfg.Receiver.AcceptAny),
		scp.WithAbstractSyntaxes(cfg.Receiver.AbstractSyntaxes...),
		scp.WithTransferSyntaxes(cfg.Receiver.TransferSyntaxes...),
		scp.WithMaxPDULength(cfg.Receiver.MaxPDULength),
		scp.WithMaxSessions(cfg.Receiver.MaxSessions),
		scp.WithMaxInstanceSize(cfg.Receiver.MaxInstanceSize),
		scp.WithTimeout(cfg.Receiver.ReadTimeout.Duration),
		scp.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Receiver.ListenAddr)
	if err != nil {
		return err
	}

	var admin *server.Server
	if fetcher != nil {
		admin, err = server.New(cfg.Admin.ListenAddr, ingester, fetcher, server.WithMetrics(m))
	} else {
		admin, err = server.New(cfg.Admin.ListenAddr, ingester, nil, server.WithMetrics(m))
	}
	if err != nil {
		_ = ln.Close()
		return err
	}
	if err := admin.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if err := m.Start(ctx); err != nil {
		_ = ln.Close()
		_ = admin.Shutdown(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingester.Run(gctx) })
	if fetcher != nil {
		g.Go(func() error { return fetcher.Run(gctx) })
	}
	if bridge != nil {
		g.Go(func() error {
			// Losing the homeserver stops announcements but not ingest.
			if err := bridge.Run(gctx); err != nil {
				log.Errorw("Messaging bridge stopped.", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// Leftovers are queued before anything new is staged.
		n, err := ingester.Rescan(gctx)
		if err != nil {
			_ = ln.Close()
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			log.Infow("Recovered staged instances from a previous run.", "count", n)
		}
		log.Infow("Receiver started", "addr", ln.Addr(), "aeTitle", cfg.Receiver.AETitle)
		return receiver.Serve(gctx, ln)
	})

	err = g.Wait()
	log.Info("Terminating...")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := admin.Shutdown(sctx); serr != nil {
		log.Warnw("Failure occurred while shutting down server.", "err", serr)
	} else {
		log.Info("Shut down server successfully.")
	}
	if serr := m.Shutdown(sctx); serr != nil {
		log.Warnw("Failure occurred while shutting down metrics server.", "err", serr)
	} else {
		log.Info("Shut down metrics server successfully.")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleAnnouncement fetches an announced study and replies with the
// outcome in the room the announcement came from.
func handleAnnouncement(ctx context.Context, bridge *matrix.Bridge, fetcher *relay.Fetcher, roomID string, ref dcmrelay.StudyRef) {
	if fetcher == nil {
		log.Infow("Ignoring announcement; forwarding is not configured.", "room", roomID, "study", ref.Hash)
		return
	}
	reply := func(ctx context.Context, text string) {
		if err := bridge.Reply(ctx, roomID, text); err != nil {
			log.Warnw("Failed to reply to room.", "room", roomID, "err", err)
		}
	}
	if err := fetcher.Submit(ctx, ref, reply); err != nil {
		log.Warnw("Fetch not submitted.", "study", ref.Hash, "err", err)
	}
}

func send(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return errors.New("at least one file or directory is required")
	}
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	sender, err := newSender(cfg.Forward, cctx.String("to"), nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := sender.Send(ctx, cctx.Args().Slice())
	if report != nil {
		for _, s := range report.Skipped {
			fmt.Fprintf(cctx.App.ErrWriter, "skipped %s: %s\n", s.Path, s.Err)
		}
		fmt.Fprintln(cctx.App.Writer, report)
	}
	return err
}

func printRef(cctx *cli.Context) error {
	if cctx.NArg() != 1 {
		return errors.New("exactly one study instance UID is required")
	}
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if cfg.KeyStore.Password == "" {
		return errors.New("keystore.password is required")
	}
	ks, err := pebble.NewPebbleKeyStore(filepath.Clean(cfg.KeyStore.Path), cfg.KeyStore.Password, nil)
	if err != nil {
		return err
	}
	defer ks.Close()

	study, err := dcmrelay.LookupStudy(cctx.Context, ks, cctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(cctx.App.Writer, dcmrelay.StudyRefToken+study.Ref().String())
	return nil
}
