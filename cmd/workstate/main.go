// Command workstate inspects and maintains the workstate database: it
// shows the schema state, edits the key-value domain, takes and restores
// backups, and can run as a long-lived backup service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/scrypster/workstate/internal/backup"
	"github.com/scrypster/workstate/internal/config"
	"github.com/scrypster/workstate/internal/db"
	"github.com/scrypster/workstate/internal/notify"
	"github.com/scrypster/workstate/internal/storage"
	"github.com/scrypster/workstate/internal/storage/sqlite"
)

var (
	configPath = flag.String("config", "", "Path to a YAML or TOML config file (optional, uses env vars by default)")
	dataDir    = flag.String("dir", "", "Data directory (overrides config)")
	channel    = flag.String("channel", "", "Release channel (overrides config)")
	inMemory   = flag.Bool("memory", false, "Use a private in-memory database")
)

const usage = `usage: workstate [flags] <command>

commands:
  status                     show location, persistence and applied migrations
  kv get <key>               print a value
  kv set <key> <value>       store a value
  kv delete <key>            remove a value
  kv list [prefix]           list values
  backup <dest>              write a consistent copy of the database to dest
  backups list|health|now    inspect or take timestamped backups
  restore <file>             replace the database with a backup (offline)
  request-backup [reason]    ask a running 'serve' to take a backup
  serve                      run scheduled backups and handle backup requests
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := run(context.Background(), cfg, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *channel != "" {
		cfg.Storage.Channel = *channel
	}
	if *inMemory {
		cfg.Storage.InMemory = true
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "restore":
		return handleRestore(ctx, cfg, args[1:], out)
	case "request-backup":
		return handleRequest(cfg, args[1:], out)
	}

	d, err := openDatabase(cfg, out)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	switch args[0] {
	case "status":
		return handleStatus(ctx, d, out)
	case "kv":
		return handleKV(ctx, d, args[1:], out)
	case "backup":
		if len(args) != 2 {
			return errUsage
		}
		if err := d.WriteFile(args[1]); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(out, "Backup written to %s\n", args[1])
		return nil
	case "backups":
		return handleBackups(ctx, cfg, d, args[1:], out)
	case "serve":
		return serve(ctx, cfg, d, out)
	}
	return errUsage
}

// openDatabase opens the configured database. An unavailable location
// degrades to an in-memory database; any other failure is returned.
func openDatabase(cfg *config.Config, out io.Writer) (*db.Database, error) {
	opts := []sqlite.Option{
		sqlite.WithReadConns(cfg.Storage.ReadConns),
		sqlite.WithBusyTimeout(cfg.Storage.BusyTimeout),
	}
	if cfg.Storage.InMemory {
		return db.OpenInMemory(cfg.Storage.Channel, opts...)
	}

	d, err := db.OpenOrFallback(cfg.Storage.DataDir, cfg.Storage.Channel, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if !d.Persisting() {
		color.New(color.FgYellow).Fprintf(out, "Warning: %s is unavailable, using an in-memory database; changes will be lost on exit\n",
			cfg.Storage.DataDir)
	}
	return d, nil
}

func handleStatus(ctx context.Context, d *db.Database, out io.Writer) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if loc, ok := d.Location(); ok {
		cyan.Fprint(out, "Database: ")
		fmt.Fprintln(out, loc.Path())
	} else {
		cyan.Fprint(out, "Database: ")
		fmt.Fprintf(out, "in-memory (%s)\n", d.Handle().Name())
	}

	cyan.Fprint(out, "Persisting: ")
	if d.Persisting() {
		green.Fprintln(out, "yes")
	} else {
		yellow.Fprintln(out, "no")
	}
	cyan.Fprint(out, "Journal: ")
	fmt.Fprintln(out, d.Handle().JournalMode())

	applied, err := d.Handle().Applied(ctx)
	if err != nil {
		return err
	}
	registry := db.Migrations()
	cyan.Fprintf(out, "Migrations (%d known):\n", registry.Total())
	for _, dm := range registry {
		fmt.Fprintf(out, "  %-10s %d/%d\n", dm.Domain, applied[dm.Domain], dm.Latest())
	}
	return nil
}

func handleKV(ctx context.Context, d *db.Database, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	kv := d.KeyValue()

	switch {
	case args[0] == "get" && len(args) == 2:
		value, err := kv.Read(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, value)
	case args[0] == "set" && len(args) == 3:
		return kv.Write(ctx, args[1], args[2])
	case args[0] == "delete" && len(args) == 2:
		return kv.Delete(ctx, args[1])
	case args[0] == "list" && len(args) <= 2:
		prefix := ""
		if len(args) == 2 {
			prefix = args[1]
		}
		entries, err := kv.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s=%s\n", e.Key, e.Value)
		}
	default:
		return errUsage
	}
	return nil
}

func newBackupService(cfg *config.Config, d *db.Database) (*backup.BackupService, error) {
	return backup.NewBackupService(d, backup.BackupConfig{
		BackupDir: cfg.Backup.Dir,
		Interval:  cfg.Backup.Interval,
		Retention: backup.RetentionPolicy{
			Hourly:  cfg.Backup.RetentionHourly,
			Daily:   cfg.Backup.RetentionDaily,
			Weekly:  cfg.Backup.RetentionWeekly,
			Monthly: cfg.Backup.RetentionMonthly,
		},
		VerifyBackups: cfg.Backup.Verify,
	})
}

func handleBackups(ctx context.Context, cfg *config.Config, d *db.Database, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	service, err := newBackupService(cfg, d)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return printBackups(service, out)
	case "health":
		return printHealth(service, out)
	case "now":
		result, err := service.BackupNow(ctx)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintln(out, "Backup completed successfully:")
		fmt.Fprintf(out, "  Path: %s\n", result.Path)
		fmt.Fprintf(out, "  Size: %.2f MB\n", float64(result.Size)/(1024*1024))
		fmt.Fprintf(out, "  Duration: %v\n", result.Duration)
		fmt.Fprintf(out, "  Verified: %v\n", result.Verified)
		return nil
	}
	return errUsage
}

func printBackups(service *backup.BackupService, out io.Writer) error {
	backups, err := service.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintln(out, "No backups found")
		return nil
	}

	fmt.Fprintf(out, "Found %d backup(s):\n\n", len(backups))
	for i, b := range backups {
		fmt.Fprintf(out, "%d. %s\n", i+1, b.Path)
		fmt.Fprintf(out, "   Size: %.2f MB\n", float64(b.Size)/(1024*1024))
		fmt.Fprintf(out, "   Created: %s (%s ago)\n\n",
			b.Timestamp.Format(time.RFC3339),
			time.Since(b.Timestamp).Round(time.Minute))
	}
	return nil
}

func printHealth(service *backup.BackupService, out io.Writer) error {
	health, err := service.HealthCheck()
	if err != nil {
		return err
	}

	statusColor := color.New(color.FgGreen)
	switch health.Status {
	case "warning":
		statusColor = color.New(color.FgYellow)
	case "error":
		statusColor = color.New(color.FgRed)
	}
	fmt.Fprint(out, "Status: ")
	statusColor.Fprintln(out, health.Status)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}
	fmt.Fprintf(out, "Total Backups: %d\n", health.TotalBackups)
	fmt.Fprintf(out, "Disk Space Used: %.2f MB\n", float64(health.DiskSpaceUsed)/(1024*1024))
	fmt.Fprintf(out, "Backup Directory: %s\n", health.BackupDir)
	fmt.Fprintf(out, "Circuit Breaker: %s\n", health.Breaker)
	if !health.LastBackup.IsZero() {
		fmt.Fprintf(out, "Last Backup: %s\n", health.LastBackup.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Last Backup: Never")
	}
	return nil
}

func handleRestore(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	if cfg.Storage.InMemory {
		return fmt.Errorf("%w: cannot restore into an in-memory database", storage.ErrInvalidInput)
	}
	loc, err := db.NewLocation(cfg.Storage.DataDir, cfg.Storage.Channel)
	if err != nil {
		return err
	}
	if err := backup.Restore(ctx, args[0], loc); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "Database %s restored from %s\n", loc.Path(), args[0])
	return nil
}

func handleRequest(cfg *config.Config, args []string, out io.Writer) error {
	reason := strings.Join(args, " ")
	if reason == "" {
		reason = "manual"
	}
	id, err := notify.NewRequestWriter(cfg.Storage.DataDir).Request(reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Backup requested (%s)\n", id)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, d *db.Database, out io.Writer) error {
	if err := config.LoadFromStore(ctx, cfg, d.KeyValue()); err != nil {
		return err
	}
	service, err := newBackupService(cfg, d)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Backup.Enabled {
		go func() {
			if err := service.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Backup service error: %v", err)
			}
		}()
	}

	watcher := notify.NewRequestWatcher(cfg.Storage.DataDir, func(r notify.Request) {
		log.Printf("Backup requested: id=%s reason=%q", r.ID, r.Reason)
		if result, err := service.BackupNow(ctx); err != nil {
			log.Printf("Requested backup failed: %v", err)
		} else {
			log.Printf("Requested backup completed: %s", result.Path)
		}
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to watch for backup requests: %w", err)
	}
	defer watcher.Stop()

	color.New(color.FgGreen).Fprintf(out, "workstate serving %s (scheduled backups: %v)\n", cfg.Storage.Channel, cfg.Backup.Enabled)
	fmt.Fprintln(out, "Press Ctrl+C to stop")
	<-ctx.Done()

	log.Println("Shutting down...")
	return nil
}
