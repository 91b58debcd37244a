// Package purchase rents a proxy to a user: it reserves a free proxy and
// port, charges the user, records the rental and asks the worker to
// configure the proxy, then briefly waits for the worker.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"proxy-rental/pkg/credentials"
	"proxy-rental/pkg/database"
	"proxy-rental/pkg/models"
	"proxy-rental/pkg/queue"
	"proxy-rental/pkg/waiter"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrSoldOut             = errors.New("no proxy of this type available")
	ErrInsufficientBalance = database.ErrInsufficientBalance
	ErrUnknownUser         = errors.New("unknown user")
	// ErrEnqueue means the provisioning task could not be created. The
	// purchase was rolled back.
	ErrEnqueue = errors.New("failed to enqueue provisioning task")
)

// Store is the transaction-bound persistence a purchase runs on.
type Store interface {
	queue.Store
	ReserveProxy(ctx context.Context, proxyTypeID int64) (*models.Proxy, error)
	ReservePort(ctx context.Context, serverID int64) (*models.Port, error)
	Debit(ctx context.Context, userID, amount int64) error
	CreateRental(ctx context.Context, rental *models.Rental) error
}

// TxRunner runs fn in one transaction, committing when fn returns nil.
type TxRunner func(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

// DatabaseTx adapts a database store to a TxRunner.
func DatabaseTx(s *database.Store) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
		return s.InTx(ctx, func(ctx context.Context, tx *database.Store) error {
			return fn(ctx, tx)
		})
	}
}

// CredentialSource produces rental credentials.
type CredentialSource interface {
	Pair() (login, password string, err error)
}

type Request struct {
	UserID       int64 `validate:"required,gt=0"`
	ProxyTypeID  int64 `validate:"required,gt=0"`
	Weeks        int   `validate:"required,gt=0,lte=52"`
	PricePerWeek int64 `validate:"gte=0"`
}

func (r Request) Total() int64 {
	return r.PricePerWeek * int64(r.Weeks)
}

// Result describes a committed purchase. Confirmed is false when the worker
// did not report success in time; the rental is reserved either way.
type Result struct {
	RequestID string
	Rental    models.Rental
	TaskID    int64
	Confirmed bool
}

func (r *Result) Message() string {
	if r.Confirmed {
		return "Purchase successful! Your proxy is ready under My proxies."
	}
	return "Your proxy is reserved and listed under My proxies, but its activation " +
		"could not be confirmed yet. Check the connection in a few minutes and " +
		"contact support if it does not work."
}

// FailureMessage is the text shown to the user when Purchase fails. Nothing
// was charged or reserved in that case.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrSoldOut):
		return "No free proxies of this type right now."
	case errors.Is(err, ErrInsufficientBalance):
		return "Insufficient funds. Please top up your balance."
	case errors.Is(err, ErrUnknownUser):
		return "Could not find your account. Please start over."
	case errors.Is(err, queue.ErrResourceLookup), errors.Is(err, ErrEnqueue):
		return "Could not prepare your proxy. Nothing was charged, please try again."
	}
	return "An unexpected error occurred. Please try again later or contact support."
}

type Options struct {
	WaitTimeout time.Duration
	WaitPoll    time.Duration
	Credentials CredentialSource
	Now         func() time.Time
}

type Service struct {
	inTx     TxRunner
	queue    *queue.Queue
	waiter   *waiter.Waiter
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
}

// New builds a purchase service. status is used for the completion wait,
// normally the same queue q outside of any transaction.
func New(inTx TxRunner, q *queue.Queue, status waiter.StatusGetter, opts Options, logger *slog.Logger) *Service {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = time.Second
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.Generator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger = logger.With("component", "purchase")
	return &Service{
		inTx:     inTx,
		queue:    q,
		waiter:   waiter.New(status, logger),
		opts:     opts,
		validate: validator.New(),
		logger:   logger,
	}
}

// Purchase reserves, charges, records and enqueues in a single transaction,
// so a failure anywhere leaves no trace. The completion wait runs after
// commit and never undoes the purchase.
func (s *Service) Purchase(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid purchase request: %w", err)
	}

	res := &Result{RequestID: uuid.NewString()}
	logger := s.logger.With("request_id", res.RequestID, "user_id", req.UserID, "proxy_type_id", req.ProxyTypeID)

	login, password, err := s.opts.Credentials.Pair()
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context, tx Store) error {
		proxy, err := tx.ReserveProxy(ctx, req.ProxyTypeID)
		if err != nil {
			return soldOut(err)
		}

		port, err := tx.ReservePort(ctx, proxy.ServerID)
		if err != nil {
			return soldOut(err)
		}

		if err := tx.Debit(ctx, req.UserID, req.Total()); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrUnknownUser, req.UserID)
			}
			return err
		}

		now := s.opts.Now()
		rental := models.Rental{
			UserID:      req.UserID,
			ProxyID:     proxy.ID,
			PortID:      port.ID,
			PurchasedAt: now,
			ExpireAt:    now.Add(time.Duration(req.Weeks) * 7 * 24 * time.Hour),
			Login:       login,
			Password:    password,
		}
		if err := tx.CreateRental(ctx, &rental); err != nil {
			return err
		}

		taskID, err := s.queue.WithTx(tx).Enqueue(ctx, models.TaskAddProxy, queue.Target{
			ProxyID:  proxy.ID,
			PortID:   port.ID,
			Login:    login,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEnqueue, err)
		}

		res.Rental = rental
		res.TaskID = taskID
		return nil
	})
	if err != nil {
		logger.Warn("Purchase failed", "error", err)
		return nil, err
	}

	logger = logger.With("rental_id", res.Rental.ID, "task_id", res.TaskID)
	logger.Info("Rental created, waiting for activation")

	res.Confirmed = s.waiter.WaitForCompletion(ctx, res.TaskID, s.opts.WaitTimeout, s.opts.WaitPoll)
	if !res.Confirmed {
		logger.Warn("Activation not confirmed")
	}
	return res, nil
}

func soldOut(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrSoldOut, err)
	}
	return err
}
