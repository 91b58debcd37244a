package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxy-rental/pkg/models"

	"github.com/uptrace/bun"
)

// ErrInsufficientBalance is returned by Debit when the user cannot pay.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Store runs rental and task queries against a pool or a transaction.
type Store struct {
	db bun.IDB
}

func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store whose queries run inside tx.
func (s *Store) WithTx(tx bun.IDB) *Store {
	return &Store{db: tx}
}

// InTx runs fn in a transaction and commits it when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, s.WithTx(tx))
	})
}

// ResolveTaskTarget joins a proxy and a port of the same server with the
// labels a task payload needs.
func (s *Store) ResolveTaskTarget(ctx context.Context, proxyID, portID int64) (*models.TaskTarget, error) {
	var target models.TaskTarget
	err := s.db.NewSelect().
		TableExpr("proxies AS p").
		ColumnExpr("s.ip AS server_ip").
		ColumnExpr("p.internal_ip AS internal_ip").
		ColumnExpr("pp.port AS port").
		ColumnExpr("pr.value AS protocol").
		ColumnExpr("o.name AS operator").
		Join("JOIN proxy_servers AS s ON s.id = p.server_id").
		Join("JOIN proxy_ports AS pp ON pp.server_id = s.id").
		Join("JOIN proxy_types AS pt ON pt.id = p.proxy_type_id").
		Join("JOIN protocols AS pr ON pr.id = pt.protocol_id").
		Join("JOIN operators AS o ON o.id = pt.operator_id").
		Where("p.id = ?", proxyID).
		Where("pp.id = ?", portID).
		Limit(1).
		Scan(ctx, &target)
	if err != nil {
		return nil, fmt.Errorf("error resolving proxy %d port %d: %w", proxyID, portID, translate(err))
	}

	return &target, nil
}

// ReserveProxy locks the first available proxy of the type and marks it
// rented. Must run inside a transaction. Returns ErrNotFound when none is left.
func (s *Store) ReserveProxy(ctx context.Context, proxyTypeID int64) (*models.Proxy, error) {
	var proxy models.Proxy
	err := s.db.NewSelect().
		Model(&proxy).
		Where("p.proxy_type_id = ?", proxyTypeID).
		Where("p.status = ?", models.StatusAvailable).
		Order("p.id").
		Limit(1).
		For("UPDATE SKIP LOCKED").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reserving proxy of type %d: %w", proxyTypeID, translate(err))
	}

	if err := s.setStatus(ctx, &proxy, proxy.ID, models.StatusRented); err != nil {
		return nil, fmt.Errorf("error marking proxy %d rented: %w", proxy.ID, err)
	}
	proxy.Status = models.StatusRented

	return &proxy, nil
}

// ReservePort locks the first available port of the server and marks it
// rented. Must run inside a transaction.
func (s *Store) ReservePort(ctx context.Context, serverID int64) (*models.Port, error) {
	var port models.Port
	err := s.db.NewSelect().
		Model(&port).
		Where("pp.server_id = ?", serverID).
		Where("pp.status = ?", models.StatusAvailable).
		Order("pp.id").
		Limit(1).
		For("UPDATE SKIP LOCKED").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reserving port on server %d: %w", serverID, translate(err))
	}

	if err := s.setStatus(ctx, &port, port.ID, models.StatusRented); err != nil {
		return nil, fmt.Errorf("error marking port %d rented: %w", port.ID, err)
	}
	port.Status = models.StatusRented

	return &port, nil
}

// Debit subtracts amount from the user's balance, refusing to go below zero.
func (s *Store) Debit(ctx context.Context, userID, amount int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("balance = balance - ?", amount).
		Where("id = ?", userID).
		Where("balance >= ?", amount).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error debiting user %d: %w", userID, translate(err))
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	exists, err := s.db.NewSelect().
		Model((*models.User)(nil)).
		Where("id = ?", userID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("error looking up user %d: %w", userID, err)
	}
	if !exists {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return fmt.Errorf("user %d: %w", userID, ErrInsufficientBalance)
}

// Credit adds amount to the user's balance.
func (s *Store) Credit(ctx context.Context, userID, amount int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("balance = balance + ?", amount).
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error crediting user %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// EnsureUser returns the user with the external id, creating it if missing.
func (s *Store) EnsureUser(ctx context.Context, externalID int64, name string) (*models.User, error) {
	user := &models.User{ExternalID: externalID, Name: name}
	err := s.db.NewInsert().
		Model(user).
		On("CONFLICT (external_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Returning("*").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error upserting user: %w", err)
	}
	return user, nil
}

func (s *Store) CreateRental(ctx context.Context, rental *models.Rental) error {
	err := s.db.NewInsert().
		Model(rental).
		Returning("*").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("error inserting rental: %w", translate(err))
	}
	return nil
}

// ReleaseRental deletes the rental and returns its proxy and port to the
// available pool, all in one transaction. The resources are only touched
// when this call deleted the rental row: a rental released earlier, possibly
// from a stale snapshot, reports false and leaves the current holder of the
// proxy and port alone.
func (s *Store) ReleaseRental(ctx context.Context, rental *models.Rental) (released bool, err error) {
	err = s.InTx(ctx, func(ctx context.Context, tx *Store) error {
		var deleted []int64
		err := tx.db.NewDelete().
			Model((*models.Rental)(nil)).
			Where("id = ?", rental.ID).
			Returning("id").
			Scan(ctx, &deleted)
		if err != nil {
			return fmt.Errorf("error deleting rental %d: %w", rental.ID, err)
		}
		if len(deleted) == 0 {
			return nil
		}

		if err := tx.setStatus(ctx, (*models.Proxy)(nil), rental.ProxyID, models.StatusAvailable); err != nil {
			return fmt.Errorf("error releasing proxy %d: %w", rental.ProxyID, err)
		}
		if err := tx.setStatus(ctx, (*models.Port)(nil), rental.PortID, models.StatusAvailable); err != nil {
			return fmt.Errorf("error releasing port %d: %w", rental.PortID, err)
		}

		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// setStatus sets the status of the proxy or port row with id.
func (s *Store) setStatus(ctx context.Context, model interface{}, id int64, status models.ResourceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid resource status %q", status)
	}
	_, err := s.db.NewUpdate().
		Model(model).
		Set("status = ?", status).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ListExpiredRentals returns rentals with expire_at <= now, oldest first.
func (s *Store) ListExpiredRentals(ctx context.Context, now time.Time) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.NewSelect().
		Model(&rentals).
		Where("r.expire_at <= ?", now).
		Order("r.expire_at", "r.id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing expired rentals: %w", err)
	}
	return rentals, nil
}

func (s *Store) rentalViews() *bun.SelectQuery {
	return s.db.NewSelect().
		TableExpr("proxy_rentals AS r").
		ColumnExpr("r.id AS rental_id").
		ColumnExpr("s.ip AS server_ip").
		ColumnExpr("pp.port AS port").
		ColumnExpr("pr.value AS protocol").
		ColumnExpr("o.name AS operator").
		ColumnExpr("o.country_code AS country").
		ColumnExpr("r.login, r.password, r.expire_at").
		Join("JOIN proxies AS p ON p.id = r.proxy_id").
		Join("JOIN proxy_ports AS pp ON pp.id = r.port_id").
		Join("JOIN proxy_servers AS s ON s.id = pp.server_id").
		Join("JOIN proxy_types AS pt ON pt.id = p.proxy_type_id").
		Join("JOIN protocols AS pr ON pr.id = pt.protocol_id").
		Join("JOIN operators AS o ON o.id = pt.operator_id")
}

// ListUserRentals returns the user's rentals with connection details.
func (s *Store) ListUserRentals(ctx context.Context, userID int64) ([]models.RentalView, error) {
	var views []models.RentalView
	err := s.rentalViews().
		Where("r.user_id = ?", userID).
		Order("r.id").
		Scan(ctx, &views)
	if err != nil {
		return nil, fmt.Errorf("error listing rentals of user %d: %w", userID, err)
	}
	return views, nil
}

// ListActiveRentals returns every rental that has not expired at now.
func (s *Store) ListActiveRentals(ctx context.Context, now time.Time) ([]models.RentalView, error) {
	var views []models.RentalView
	err := s.rentalViews().
		Where("r.expire_at > ?", now).
		Order("r.id").
		Scan(ctx, &views)
	if err != nil {
		return nil, fmt.Errorf("error listing active rentals: %w", err)
	}
	return views, nil
}

func (s *Store) GetRentalView(ctx context.Context, rentalID int64) (*models.RentalView, error) {
	var view models.RentalView
	err := s.rentalViews().
		Where("r.id = ?", rentalID).
		Scan(ctx, &view)
	if err != nil {
		return nil, fmt.Errorf("error getting rental %d: %w", rentalID, translate(err))
	}
	return &view, nil
}
