package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bcnelson/vultr-fw-sync/internal/config"
	"github.com/bcnelson/vultr-fw-sync/internal/metrics"
	"github.com/bcnelson/vultr-fw-sync/internal/publicip"
	"github.com/bcnelson/vultr-fw-sync/internal/reconcile"
	"github.com/bcnelson/vultr-fw-sync/internal/service"
	"github.com/bcnelson/vultr-fw-sync/internal/storage"
	"github.com/bcnelson/vultr-fw-sync/internal/storage/sql"
	"github.com/bcnelson/vultr-fw-sync/internal/vultr"
	"k8s.io/klog/v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI is the command line grammar.
type CLI struct {
	EnvFile string `help:"Load environment variables from this file instead of ./.env." type:"path" name:"env-file"`
	Verbose bool   `help:"Enable debug logging." short:"v"`

	Sync    SyncCmd    `cmd:"" default:"withargs" help:"Reconcile the firewall group with the current public IP (default)."`
	History HistoryCmd `cmd:"" help:"Show recent runs from the history database."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// runEnv is bound into every command's Run method.
type runEnv struct {
	ctx    context.Context
	stdout io.Writer
}

// SyncCmd performs one reconciliation.
type SyncCmd struct {
	DryRun bool `help:"Log the changes that would be made without making them." name:"dry-run"`
}

func (c *SyncCmd) Run(env *runEnv) error {
	ctx := env.ctx
	logger := klog.FromContext(ctx)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	match, err := reconcile.ParseMatchMode(cfg.Sync.MatchMode)
	if err != nil {
		return err
	}

	recorder := metrics.New()

	// Initialize Vultr client (or file shim for testing)
	var client vultr.FirewallClient
	if cfg.UseFileShim() {
		logger.Info("Using file shim for Vultr API", "path", cfg.Vultr.FileShim)
		client = vultr.NewFileShim(cfg.Vultr.FileShim)
	} else {
		httpClient, err := vultr.New(vultr.ClientConfig{
			BaseURL:   cfg.Vultr.BaseURL,
			APIKey:    cfg.Vultr.APIKey,
			UserAgent: "vultr-fw-sync/" + version,
			Transport: recorder.InstrumentTransport(http.DefaultTransport),
		})
		if err != nil {
			return fmt.Errorf("initializing Vultr client: %w", err)
		}
		client = httpClient
	}

	var store storage.Storage
	if cfg.History.Enabled() {
		s, err := sql.New(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			logger.Error(err, "Warning: run history unavailable, continuing without it", "driver", cfg.History.Driver)
		} else {
			defer s.Close()
			store = s
		}
	}

	reconciler := reconcile.New(client, publicip.New(cfg.IPLookup.URL, nil), reconcile.Options{
		GroupName: cfg.Sync.GroupName,
		TCPPorts:  cfg.Sync.GetTCPPorts(),
		UDPPorts:  cfg.Sync.GetUDPPorts(),
		Match:     match,
		DryRun:    c.DryRun,
	})

	svc := service.NewSyncService(reconciler, service.Options{
		GroupName:      cfg.Sync.GroupName,
		Store:          store,
		Metrics:        recorder,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		PushJob:        cfg.Metrics.Job,
	})

	_, err = svc.Run(ctx)
	return err
}

// HistoryCmd lists journaled runs.
type HistoryCmd struct {
	Limit int `help:"Number of runs to show." default:"20"`
}

func (c *HistoryCmd) Run(env *runEnv) error {
	cfg, err := config.LoadHistory()
	if err != nil {
		return err
	}
	if !cfg.Enabled() {
		return fmt.Errorf("run history is disabled: set HISTORY_DB_DSN")
	}

	store, err := sql.New(cfg.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	runs, err := service.NewSyncService(nil, service.Options{Store: store}).History(env.ctx, c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tGROUP\tIP\tDELETED\tCREATED\tDURATION\tERROR")
	for _, r := range runs {
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		errText := r.Error
		if r.Phase != "" {
			errText = r.Phase + ": " + errText
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), status, r.GroupName, r.CurrentIP,
			r.DeletedCount, r.DeletedCount+r.DeleteFailures, r.CreatedCount,
			r.Duration().Round(time.Millisecond), errText)
	}
	return w.Flush()
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(env *runEnv) error {
	_, err := fmt.Fprintln(env.stdout, version)
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if err != nil {
		klog.ErrorS(err, "vultr-fw-sync failed")
	}
	klog.Flush()
	os.Exit(exitCode(err))
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("vultr-fw-sync"),
		kong.Description("Keep a Vultr firewall group open to this host's current public IPv4 address."),
		kong.UsageOnError(),
		kong.Writers(stdout, os.Stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	initLogging(cli.Verbose)
	if err := config.LoadEnvFile(cli.EnvFile); err != nil {
		return err
	}

	ctx = klog.NewContext(ctx, klog.Background())
	return kctx.Run(&runEnv{ctx: ctx, stdout: stdout})
}

func initLogging(verbose bool) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	v := "0"
	if verbose {
		v = "1"
	}
	_ = fs.Set("v", v)
}

// exitCode maps the outcome of a run to the process exit status.
func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
