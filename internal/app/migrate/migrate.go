package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/956zs/discord-embed-app-sub001/db"
)

const commandTimeout = time.Minute

// Runner applies and inspects schema migrations with goose.
type Runner struct {
	dsn        string
	migrations fs.FS
	source     string
	log        *slog.Logger
}

// New returns a migration runner. When dir is empty or missing the
// migrations compiled into the binary are used.
func New(dsn, dir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}

	migrations, source := db.Migrations(), "embedded"
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			migrations, source = os.DirFS(dir), dir
		} else {
			log.Warn("migrations dir not found, using embedded migrations", "dir", dir)
		}
	}
	return Runner{dsn: dsn, migrations: migrations, source: source, log: log}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(ctx, func(runCtx context.Context, p *goose.Provider) error {
		r.log.Info("applying migrations", "source", r.source)
		results, err := p.Up(runCtx)
		for _, res := range results {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("migrations applied", "count", len(results))
		return nil
	})
}

// Status logs applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withProvider(ctx, func(runCtx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(runCtx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			attrs := []any{"version", st.Source.Version, "path", st.Source.Path, "state", string(st.State)}
			if !st.AppliedAt.IsZero() {
				attrs = append(attrs, "applied_at", st.AppliedAt)
			}
			r.log.Info("migration", attrs...)
		}
		return nil
	})
}

// Down rolls back the latest migration, or down to targetVersion when positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(ctx, func(runCtx context.Context, p *goose.Provider) error {
		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			results, err := p.DownTo(runCtx, targetVersion)
			for _, res := range results {
				r.logResult(res)
			}
			if err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			return nil
		}
		r.log.Info("rolling back latest migration")
		res, err := p.Down(runCtx)
		if res != nil {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

func (r Runner) logResult(res *goose.MigrationResult) {
	if res == nil || res.Source == nil {
		return
	}
	attrs := []any{"version", res.Source.Version, "direction", res.Direction, "duration", res.Duration}
	if res.Error != nil {
		r.log.Error("migration failed", append(attrs, "error", res.Error)...)
		return
	}
	r.log.Info("migration applied", attrs...)
}

func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	conn, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer conn.Close()

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := conn.PingContext(runCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, conn, r.migrations)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()
	return fn(runCtx, provider)
}
