// Package main is the entrypoint for the component-dispatcher (binary name "dispatcher" in Docker).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/morezero/component-dispatcher/internal/config"
	"github.com/morezero/component-dispatcher/internal/diagnostics"
	"github.com/morezero/component-dispatcher/internal/server"
	"github.com/morezero/component-dispatcher/pkg/commsutil"
	"github.com/morezero/component-dispatcher/pkg/db"
	"github.com/morezero/component-dispatcher/pkg/transport"
)

const usage = `Usage: dispatcher [command]
       dispatcher serve              Start the dispatcher (COMMS transport, discovery, HTTP health).
       dispatcher migrate up         Run database migrations.
       dispatcher migrate down       Roll back one migration (migrations are forward-only).
       dispatcher migrate status     Show migration status.
       dispatcher ensure-db [name]   Create database if missing (default name: dispatcher_test). Uses DATABASE_URL host/user.
       dispatcher endpoints [node]   List mirrored discovery endpoints, optionally of one node.
       dispatcher purge              Remove mirrored endpoints of this node (NODE_NAME or SERVICE_NAME).
       dispatcher ping               Invoke the built-in echo component over COMMS.

Commands:
  serve            (default) Start the component dispatcher.
  migrate up       Run database migrations only.
  migrate down     Report that rollback is not supported.
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. dispatcher_test) on same host as DATABASE_URL.
  endpoints [node] Print mirrored endpoints as JSON.
  purge            Delete stale endpoint rows left by an unclean shutdown.
  ping             Round-trip a request through a running dispatcher.

Environment: COMMS_URL, SERVICE_NAME, NODE_NAME, DATABASE_URL (optional for serve), MIGRATION_PATH,
DISPATCHER_HTTP_ADDR (default :8080), REQUEST_TIMEOUT, WORKER_POOL_SIZE, CLIENT_CONFIG_FILE. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("dispatcher migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("dispatcher migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("dispatcher migrate status: %v", err)
			}
		case "down":
			if err := db.MigrationDown(os.Stdout); err != nil {
				log.Fatalf("dispatcher migrate down: %v", err)
			}
		default:
			log.Fatalf("dispatcher migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "ensure-db":
		dbName := "dispatcher_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("dispatcher ensure-db: %v", err)
		}
		return
	case "endpoints":
		node := ""
		if len(args) > 1 {
			node = args[1]
		}
		if err := runEndpoints(node, os.Stdout); err != nil {
			log.Fatalf("dispatcher endpoints: %v", err)
		}
		return
	case "purge":
		if err := runPurge(); err != nil {
			log.Fatalf("dispatcher purge: %v", err)
		}
		return
	case "ping":
		if err := runPing(os.Stdout); err != nil {
			log.Fatalf("dispatcher ping: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("dispatcher: %v", err)
	}
}

// withRepository loads config, connects to the database and calls fn.
func withRepository(fn func(ctx context.Context, cfg *config.Config, repo *db.EndpointRepository) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, db.NewEndpointRepository(pool, cfg.Node()))
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("ensure database: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabaseName replaces the database of a connection URL, keeping its query (e.g. sslmode).
func withDatabaseName(databaseURL, name string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}

func runEndpoints(node string, w io.Writer) error {
	return withRepository(func(ctx context.Context, _ *config.Config, repo *db.EndpointRepository) error {
		records, err := repo.ListEndpoints(ctx, node)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	})
}

func runPurge() error {
	return withRepository(func(ctx context.Context, cfg *config.Config, repo *db.EndpointRepository) error {
		n, err := repo.PurgeNode(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d endpoint(s) of node %q.\n", n, cfg.Node())
		return nil
	})
}

func runPing(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-ping", nil)
	if err != nil {
		return err
	}
	defer nc.Close()

	client := transport.NewCommsClient(nc, &transport.CommsClientOpts{InvocationSubject: cfg.InvocationSubject})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := client.Invoke(ctx, pingEnvelope())
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%v from %v in %s\n", resp.Result, resp.Attachments, time.Since(start).Round(time.Microsecond))
	return nil
}

func pingEnvelope() *transport.InvocationEnvelope {
	return &transport.InvocationEnvelope{
		App:        diagnostics.Identity.App,
		Module:     diagnostics.Identity.Module,
		Distinct:   diagnostics.Identity.Distinct,
		Bean:       diagnostics.EchoComponent,
		View:       diagnostics.EchoView,
		Method:     "ping",
		ParamTypes: []string{},
	}
}
