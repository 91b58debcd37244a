package database

import (
	"context"
	"database/sql"
	"fmt"

	"proxy-rental/pkg/config"
	"proxy-rental/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type DB struct {
	*bun.DB
}

func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	return Open(cfg.DSN())
}

// Open connects to the postgres database at dsn and pings it.
func Open(dsn string) (*DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// Store returns a Store bound to the connection pool.
func (db *DB) Store() *Store {
	return NewStore(db.DB)
}

// schemaLockID is the advisory lock key that serializes schema setup
// between processes starting at the same time.
const schemaLockID = 7340051

// SchemaStep installs further schema objects inside the setup transaction.
type SchemaStep func(ctx context.Context, db bun.IDB) error

// InitSchema creates the tables, constraints and indexes if they don't exist,
// then runs steps. Everything runs in one transaction holding an advisory
// lock, so concurrent callers wait for each other instead of racing on the
// existence checks.
func (db *DB) InitSchema(ctx context.Context, steps ...SchemaStep) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", schemaLockID); err != nil {
			return fmt.Errorf("failed to lock schema: %w", err)
		}

		if err := createSchema(ctx, tx); err != nil {
			return err
		}
		for _, step := range steps {
			if err := step(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

func createSchema(ctx context.Context, db bun.IDB) error {
	tables := []struct {
		model       interface{}
		foreignKeys []string
	}{
		{model: (*models.Server)(nil)},
		{model: (*models.Protocol)(nil)},
		{model: (*models.Operator)(nil)},
		{model: (*models.User)(nil)},
		{
			model: (*models.ProxyType)(nil),
			foreignKeys: []string{
				`("operator_id") REFERENCES operators ("id") ON DELETE CASCADE`,
				`("protocol_id") REFERENCES protocols ("id") ON DELETE CASCADE`,
			},
		},
		{
			model: (*models.Port)(nil),
			foreignKeys: []string{
				`("server_id") REFERENCES proxy_servers ("id") ON DELETE CASCADE`,
			},
		},
		{
			model: (*models.Proxy)(nil),
			foreignKeys: []string{
				`("server_id") REFERENCES proxy_servers ("id") ON DELETE CASCADE`,
				`("proxy_type_id") REFERENCES proxy_types ("id") ON DELETE CASCADE`,
			},
		},
		{
			model: (*models.Rental)(nil),
			foreignKeys: []string{
				`("user_id") REFERENCES users ("id") ON DELETE CASCADE`,
				`("proxy_id") REFERENCES proxies ("id") ON DELETE CASCADE`,
				`("port_id") REFERENCES proxy_ports ("id") ON DELETE CASCADE`,
			},
		},
		{model: (*models.Task)(nil)},
	}

	for _, t := range tables {
		q := db.NewCreateTable().
			Model(t.model).
			IfNotExists()
		for _, fk := range t.foreignKeys {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'proxies_status_check') THEN
				ALTER TABLE proxies ADD CONSTRAINT proxies_status_check
					CHECK (status IN ('available', 'rented', 'unavailable'));
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'proxy_ports_status_check') THEN
				ALTER TABLE proxy_ports ADD CONSTRAINT proxy_ports_status_check
					CHECK (status IN ('available', 'rented', 'unavailable'));
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'proxy_ports_port_check') THEN
				ALTER TABLE proxy_ports ADD CONSTRAINT proxy_ports_port_check
					CHECK (port BETWEEN 1 AND 65535);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'proxy_task_queue_status_check') THEN
				ALTER TABLE proxy_task_queue ADD CONSTRAINT proxy_task_queue_status_check
					CHECK (status IN ('pending', 'processing', 'done', 'error'));
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'users_balance_check') THEN
				ALTER TABLE users ADD CONSTRAINT users_balance_check CHECK (balance >= 0);
			END IF;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create constraints: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'proxy_task_queue' AND indexname = 'proxy_task_queue_status_created_idx') THEN
				CREATE INDEX proxy_task_queue_status_created_idx ON proxy_task_queue (status, created_at, id);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'proxy_rentals' AND indexname = 'proxy_rentals_expire_at_idx') THEN
				CREATE INDEX proxy_rentals_expire_at_idx ON proxy_rentals (expire_at);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'proxy_rentals' AND indexname = 'proxy_rentals_user_id_idx') THEN
				CREATE INDEX proxy_rentals_user_id_idx ON proxy_rentals (user_id);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'proxies' AND indexname = 'proxies_type_status_idx') THEN
				CREATE INDEX proxies_type_status_idx ON proxies (proxy_type_id, status);
			END IF;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// SeedDefaults inserts the default protocols if they are missing.
func (db *DB) SeedDefaults(ctx context.Context) error {
	protocols := make([]models.Protocol, 0, len(models.DefaultProtocols))
	for _, v := range models.DefaultProtocols {
		protocols = append(protocols, models.Protocol{Value: v})
	}

	_, err := db.NewInsert().
		Model(&protocols).
		On("CONFLICT (value) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error seeding protocols: %w", err)
	}

	return nil
}
