// Command changefeed-worker runs one worker process against a single
// change-tracked SQL Server table: it provisions the coordination tables,
// then drives the Lease Manager's poll/renew/housekeep tasks and the Scale
// Monitor's heartbeat loop until signalled to stop. Wiring mirrors the
// teacher project's own CLI shape (config.Load, then hand the result to the
// runtime), generalized from loading plugins into a DHCP server to loading
// one tracked table into the change-tracking runtime.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/spf13/pflag"

	"github.com/natolumin/changefeed/config"
	"github.com/natolumin/changefeed/core"
	"github.com/natolumin/changefeed/core/lease"
	"github.com/natolumin/changefeed/core/reader"
	"github.com/natolumin/changefeed/core/scale"
	"github.com/natolumin/changefeed/core/schema"
	"github.com/natolumin/changefeed/logger"
)

var log = logger.GetLogger("cmd/changefeed-worker")

func main() {
	fs := pflag.NewFlagSet("changefeed-worker", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	fs.String("connection_string", "", "database/sql data source name")
	fs.String("schema", "", "schema of the tracked table")
	fs.String("table", "", "name of the tracked table")
	fs.String("worker_id", "", "stable identity of this worker process")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "changefeed-worker: %v\n", err)
		os.Exit(1)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "changefeed-worker: invalid log_level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	db, err := sql.Open("sqlserver", cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	table := core.TableName{Schema: cfg.Schema, Name: cfg.Table}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provisioner := schema.New(db)
	if err := provisioner.Start(ctx, schema.Config{Table: table, WorkerID: cfg.WorkerID}); err != nil {
		return fmt.Errorf("provision coordination tables: %w", err)
	}

	tableID, pk, err := provisioner.Describe(ctx, table)
	if err != nil {
		return fmt.Errorf("describe tracked table: %w", err)
	}

	rd := reader.New(db, core.SystemClock{}, reader.Config{
		Table:           table,
		UserTableID:     tableID,
		PrimaryKey:      pk,
		BatchSize:       cfg.BatchSize,
		LeaseInterval:   cfg.LeaseInterval,
		MaxDequeueCount: cfg.MaxDequeueCount,
		WorkerID:        cfg.WorkerID,
	})

	mgr := lease.New(rd, rd, rd, core.SystemClock{}, logHandler, lease.Config{
		WorkerID:             cfg.WorkerID,
		PollingInterval:      cfg.PollingInterval,
		LeaseInterval:        cfg.LeaseInterval,
		MaxLeaseRenewalCount: cfg.MaxLeaseRenewalCount,
		CleanupInterval:      cfg.CleanupInterval,
	})
	mgr.Start(ctx)

	monitor := scale.New(rd, scale.Config{
		BatchSize:       cfg.BatchSize,
		PollingInterval: cfg.CleanupInterval,
	})
	scaleDone := make(chan struct{})
	go runScaleMonitor(ctx, monitor, cfg.CleanupInterval, scaleDone)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	log.Infof("worker %s running against %s, polling every %s", cfg.WorkerID, table, cfg.PollingInterval)
	<-sig

	log.Infof("shutdown signal received, stopping")
	cancel()
	<-scaleDone
	mgr.Stop()
	return nil
}

// logHandler is the default handler when no application-specific callback
// is wired in: it logs the batch so the binary is useful standalone for
// operators verifying a deployment, and is the seam an embedding
// application replaces with its own core.Handler.
func logHandler(ctx context.Context, batch core.Batch) error {
	for _, row := range batch {
		log.Infof("%s %s v%d", row.ChangeType, row.PK, row.Version)
	}
	return nil
}

// runScaleMonitor ticks the Scale Monitor on its own interval and logs
// recommendations; actually resizing the fleet is left to whatever deploys
// this binary. The Scale Monitor recommends, it does not act.
func runScaleMonitor(ctx context.Context, m *scale.Monitor, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec := m.Heartbeat(ctx)
			if rec.Action != core.NoAction {
				log.Infof("scale recommendation: %s (%s)", rec.Action, rec.Reason)
			} else {
				log.Debugf("scale recommendation: %s (%s)", rec.Action, rec.Reason)
			}
		}
	}
}
