package database

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"proxy-rental/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDSNEnv = "PROXYRENT_TEST_DATABASE_DSN"

func setupDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.InitSchema(ctx))
	// second run must be a no-op
	require.NoError(t, db.InitSchema(ctx))

	_, err = db.ExecContext(ctx, `TRUNCATE proxy_task_queue, proxy_rentals, proxies, proxy_ports,
		proxy_types, operators, protocols, proxy_servers, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	require.NoError(t, db.SeedDefaults(ctx))
	require.NoError(t, db.SeedDefaults(ctx))

	return db
}

type fixture struct {
	server *models.Server
	typeID int64
	user   *models.User
}

func seed(t *testing.T, s *Store, proxies []string, ports []int) fixture {
	t.Helper()
	ctx := context.Background()

	server, err := s.UpsertServer(ctx, "10.0.0.1")
	require.NoError(t, err)

	typeID, err := s.EnsureProxyType(ctx, "TESTCO", "UA", "SOCKS5", 30)
	require.NoError(t, err)

	dups, err := s.InsertProxies(ctx, server.ID, typeID, proxies)
	require.NoError(t, err)
	require.Empty(t, dups)

	portDups, err := s.InsertPorts(ctx, server.ID, ports)
	require.NoError(t, err)
	require.Empty(t, portDups)

	user, err := s.EnsureUser(ctx, 1001, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Credit(ctx, user.ID, 100))

	return fixture{server: server, typeID: typeID, user: user}
}

func TestInventoryDuplicates(t *testing.T) {
	db := setupDB(t)
	s := db.Store()
	ctx := context.Background()
	f := seed(t, s, []string{"192.168.0.2"}, []int{8080})

	again, err := s.UpsertServer(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, f.server.ID, again.ID)

	byIP, err := s.GetServerByIP(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, f.server.ID, byIP.ID)
	_, err = s.GetServerByIP(ctx, "10.9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)

	dups, err := s.InsertPorts(ctx, f.server.ID, []int{8080, 8081})
	require.NoError(t, err)
	assert.Equal(t, []int{8080}, dups)

	ipDups, err := s.InsertProxies(ctx, f.server.ID, f.typeID, []string{"192.168.0.2", "192.168.0.3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.0.2"}, ipDups)

	_, err = s.EnsureProxyType(ctx, "TESTCO", "UA", "GOPHER", 30)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	db := setupDB(t)
	s := db.Store()
	ctx := context.Background()

	payload := models.TaskPayload{
		IP:         "10.0.0.1",
		InternalIP: "192.168.0.2",
		Port:       8080,
		Login:      "abc",
		Password:   "xyz",
		Protocol:   "SOCKS5",
		Operator:   "TESTCO",
	}

	first := &models.Task{TaskType: models.TaskAddProxy, ServerIP: payload.IP, Payload: payload}
	require.NoError(t, s.InsertTask(ctx, first))
	second := &models.Task{TaskType: models.TaskRemoveProxy, ServerIP: payload.IP, Payload: payload}
	require.NoError(t, s.InsertTask(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	got, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Nil(t, got.UpdatedAt)
	assert.Equal(t, payload, got.Payload)

	pending, err := s.ListTasksByStatus(ctx, models.TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	_, err = db.NewUpdate().Model((*models.Task)(nil)).
		Set("status = ?", models.TaskDone).Where("id = ?", second.ID).Exec(ctx)
	require.NoError(t, err)

	matched, deleted, err := s.DeleteTasksByStatus(ctx, models.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.Equal(t, 1, deleted)

	_, err = s.GetTask(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	done, err := s.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, done.Status)
}

// rent reserves a proxy and a port for the fixture user like a purchase does.
func rent(t *testing.T, s *Store, f fixture, expireAt time.Time) models.Rental {
	t.Helper()
	var rental models.Rental
	err := s.InTx(context.Background(), func(ctx context.Context, tx *Store) error {
		proxy, err := tx.ReserveProxy(ctx, f.typeID)
		if err != nil {
			return err
		}
		port, err := tx.ReservePort(ctx, proxy.ServerID)
		if err != nil {
			return err
		}
		if err := tx.Debit(ctx, f.user.ID, 40); err != nil {
			return err
		}
		rental = models.Rental{
			UserID:      f.user.ID,
			ProxyID:     proxy.ID,
			PortID:      port.ID,
			PurchasedAt: time.Now(),
			ExpireAt:    expireAt,
			Login:       "abc",
			Password:    "xyz",
		}
		return tx.CreateRental(ctx, &rental)
	})
	require.NoError(t, err)
	return rental
}

func resourceStatuses(t *testing.T, db *DB, rental models.Rental) (proxy, port models.ResourceStatus) {
	t.Helper()
	ctx := context.Background()
	var p models.Proxy
	require.NoError(t, db.NewSelect().Model(&p).Where("p.id = ?", rental.ProxyID).Scan(ctx))
	var pp models.Port
	require.NoError(t, db.NewSelect().Model(&pp).Where("pp.id = ?", rental.PortID).Scan(ctx))
	return p.Status, pp.Status
}

func TestReserveAndRelease(t *testing.T) {
	db := setupDB(t)
	s := db.Store()
	ctx := context.Background()
	f := seed(t, s, []string{"192.168.0.2"}, []int{8080})

	rental := rent(t, s, f, time.Now().Add(-time.Second))

	target, err := s.ResolveTaskTarget(ctx, rental.ProxyID, rental.PortID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTarget{
		ServerIP:   "10.0.0.1",
		InternalIP: "192.168.0.2",
		Port:       8080,
		Protocol:   "SOCKS5",
		Operator:   "TESTCO",
	}, *target)

	views, err := s.ListUserRentals(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "UA", views[0].Country)

	_, err = s.ReserveProxy(ctx, f.typeID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Debit(ctx, f.user.ID, 100)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	expired, err := s.ListExpiredRentals(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	released, err := s.ReleaseRental(ctx, &expired[0])
	require.NoError(t, err)
	assert.True(t, released)

	expired, err = s.ListExpiredRentals(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)

	proxyStatus, portStatus := resourceStatuses(t, db, rental)
	assert.Equal(t, models.StatusAvailable, proxyStatus)
	assert.Equal(t, models.StatusAvailable, portStatus)
}

func TestStaleReleaseKeepsNewRental(t *testing.T) {
	db := setupDB(t)
	s := db.Store()
	ctx := context.Background()
	f := seed(t, s, []string{"192.168.0.2"}, []int{8080})

	old := rent(t, s, f, time.Now().Add(-time.Second))
	released, err := s.ReleaseRental(ctx, &old)
	require.NoError(t, err)
	require.True(t, released)

	// the only proxy and port go to a new rental
	current := rent(t, s, f, time.Now().Add(time.Hour))
	require.Equal(t, old.ProxyID, current.ProxyID)
	require.Equal(t, old.PortID, current.PortID)

	// a second reclaimer working from an old snapshot
	released, err = s.ReleaseRental(ctx, &old)
	require.NoError(t, err)
	assert.False(t, released)

	proxyStatus, portStatus := resourceStatuses(t, db, current)
	assert.Equal(t, models.StatusRented, proxyStatus)
	assert.Equal(t, models.StatusRented, portStatus)

	views, err := s.ListUserRentals(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, current.ID, views[0].RentalID)

	_, err = s.ReserveProxy(ctx, f.typeID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReservations(t *testing.T) {
	db := setupDB(t)
	s := db.Store()
	ctx := context.Background()
	f := seed(t, s, []string{"192.168.0.2", "192.168.0.3"}, []int{8080, 8081})

	const attempts = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   = map[int64]bool{}
		ports = map[int64]bool{}
		lost  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(ctx context.Context, tx *Store) error {
				proxy, err := tx.ReserveProxy(ctx, f.typeID)
				if err != nil {
					return err
				}
				port, err := tx.ReservePort(ctx, proxy.ServerID)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, won[proxy.ID], "proxy %d reserved twice", proxy.ID)
				assert.False(t, ports[port.ID], "port %d reserved twice", port.ID)
				won[proxy.ID] = true
				ports[port.ID] = true
				return nil
			})
			if errors.Is(err, ErrNotFound) {
				mu.Lock()
				lost++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, won, 2)
	assert.Equal(t, attempts-2, lost)
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	// validation happens before any query, so no connection is needed
	s := NewStore(nil)
	err := s.setStatus(context.Background(), (*models.Proxy)(nil), 1, models.ResourceStatus("leased"))
	assert.ErrorContains(t, err, `invalid resource status "leased"`)
}
