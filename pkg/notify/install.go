// Package notify publishes task queue changes to the provisioning worker.
//
// Inserting a row into proxy_task_queue fires a trigger that sends a JSON
// event on the proxy_task_event channel with pg_notify. Notifications are
// delivered when the inserting transaction commits. Two more triggers keep
// the row honest against the worker: updated_at is stamped only on the first
// move into a terminal status, and the payload columns are immutable.
package notify

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Channel is the postgres notification channel the worker listens on.
const Channel = "proxy_task_event"

type routine struct {
	name     string
	function string
	trigger  string
	table    string
	create   string
}

var routines = []routine{
	{
		name:     "insert event",
		function: "notify_proxy_task_event",
		trigger:  "trg_notify_proxy_task_event",
		table:    "proxy_task_queue",
		create: `
			CREATE FUNCTION notify_proxy_task_event() RETURNS trigger AS $fn$
			BEGIN
				PERFORM pg_notify('` + Channel + `', json_build_object(
					'task_id', NEW.id,
					'task_type', NEW.task_type,
					'server_ip', NEW.server_ip,
					'payload', NEW.payload
				)::text);
				RETURN NEW;
			END;
			$fn$ LANGUAGE plpgsql;`,
	},
	{
		name:     "updated_at stamp",
		function: "update_proxy_task_updated_at",
		trigger:  "trg_update_proxy_task_updated_at",
		table:    "proxy_task_queue",
		create: `
			CREATE FUNCTION update_proxy_task_updated_at() RETURNS trigger AS $fn$
			BEGIN
				IF NEW.status IS DISTINCT FROM OLD.status AND NEW.status IN ('done', 'error') THEN
					NEW.updated_at = now();
				ELSE
					NEW.updated_at = OLD.updated_at;
				END IF;
				RETURN NEW;
			END;
			$fn$ LANGUAGE plpgsql;`,
	},
	{
		name:     "immutability guard",
		function: "guard_proxy_task_update",
		trigger:  "trg_guard_proxy_task_update",
		table:    "proxy_task_queue",
		create: `
			CREATE FUNCTION guard_proxy_task_update() RETURNS trigger AS $fn$
			BEGIN
				IF NEW.task_type IS DISTINCT FROM OLD.task_type
					OR NEW.server_ip IS DISTINCT FROM OLD.server_ip
					OR NEW.payload IS DISTINCT FROM OLD.payload
					OR NEW.created_at IS DISTINCT FROM OLD.created_at THEN
					RAISE EXCEPTION 'task % is immutable except for its status', OLD.id
						USING ERRCODE = 'check_violation';
				END IF;
				IF OLD.status IN ('done', 'error') AND NEW.status IS DISTINCT FROM OLD.status THEN
					RAISE EXCEPTION 'task % already reached terminal status %', OLD.id, OLD.status
						USING ERRCODE = 'check_violation';
				END IF;
				RETURN NEW;
			END;
			$fn$ LANGUAGE plpgsql;`,
	},
}

// triggerDDL maps a trigger to its CREATE TRIGGER statement. The guard runs
// before the stamp because postgres fires same-event triggers by name.
var triggerDDL = map[string]string{
	"trg_notify_proxy_task_event": `CREATE TRIGGER trg_notify_proxy_task_event
		AFTER INSERT ON proxy_task_queue
		FOR EACH ROW EXECUTE FUNCTION notify_proxy_task_event()`,
	"trg_update_proxy_task_updated_at": `CREATE TRIGGER trg_update_proxy_task_updated_at
		BEFORE UPDATE ON proxy_task_queue
		FOR EACH ROW EXECUTE FUNCTION update_proxy_task_updated_at()`,
	"trg_guard_proxy_task_update": `CREATE TRIGGER trg_guard_proxy_task_update
		BEFORE UPDATE ON proxy_task_queue
		FOR EACH ROW EXECUTE FUNCTION guard_proxy_task_update()`,
}

// Install creates the notification functions and triggers that are missing.
// Existing definitions are left alone, so it is safe to call at every start.
// Processes that may start together should run it as a database.SchemaStep
// so that the existence checks are serialized.
func Install(ctx context.Context, db bun.IDB) error {
	for _, r := range routines {
		exists, err := functionExists(ctx, db, r.function)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.ExecContext(ctx, r.create); err != nil {
				return fmt.Errorf("failed to create %s function: %w", r.name, err)
			}
		}

		exists, err = triggerExists(ctx, db, r.trigger, r.table)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.ExecContext(ctx, triggerDDL[r.trigger]); err != nil {
				return fmt.Errorf("failed to create %s trigger: %w", r.name, err)
			}
		}
	}
	return nil
}

func functionExists(ctx context.Context, db bun.IDB, name string) (bool, error) {
	exists, err := db.NewSelect().
		TableExpr("pg_proc").
		Where("proname = ?", name).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("error checking function %s: %w", name, err)
	}
	return exists, nil
}

func triggerExists(ctx context.Context, db bun.IDB, name, table string) (bool, error) {
	exists, err := db.NewSelect().
		TableExpr("pg_trigger AS tg").
		Join("JOIN pg_class AS c ON c.oid = tg.tgrelid").
		Where("tg.tgname = ?", name).
		Where("c.relname = ?", table).
		Where("NOT tg.tgisinternal").
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("error checking trigger %s: %w", name, err)
	}
	return exists, nil
}
