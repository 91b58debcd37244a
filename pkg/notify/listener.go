package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"proxy-rental/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Event is the notification body sent for every inserted task.
type Event struct {
	TaskID   int64              `json:"task_id"`
	TaskType models.TaskKind    `json:"task_type"`
	ServerIP string             `json:"server_ip"`
	Payload  models.TaskPayload `json:"payload"`
}

// DecodeEvent parses a notification payload.
func DecodeEvent(raw string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, fmt.Errorf("invalid task event: %w", err)
	}
	if ev.TaskID == 0 {
		return Event{}, errors.New("invalid task event: missing task_id")
	}
	return ev, nil
}

// Message is a raw notification together with its decoded event.
type Message struct {
	Raw   string
	Event Event
}

type Listener struct {
	db      *bun.DB
	channel string
	logger  *slog.Logger
}

func NewListener(db *bun.DB, logger *slog.Logger) *Listener {
	return &Listener{
		db:      db,
		channel: Channel,
		logger:  logger.With("component", "notify", "channel", Channel),
	}
}

// Listen delivers every task event to handler until ctx is done or handler
// fails. Undecodable notifications are logged and dropped.
func (l *Listener) Listen(ctx context.Context, handler func(Message) error) error {
	ln := pgdriver.NewListener(l.db)
	defer ln.Close()

	if err := ln.Listen(ctx, l.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	l.logger.Info("Listening for task events")

	ch := ln.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return errors.New("notification channel closed")
			}
			ev, err := DecodeEvent(n.Payload)
			if err != nil {
				l.logger.Warn("Dropping notification", "payload", n.Payload, "error", err)
				continue
			}
			l.logger.Debug("Task event", "task_id", ev.TaskID, "task_type", ev.TaskType, "server_ip", ev.ServerIP)
			if err := handler(Message{Raw: n.Payload, Event: ev}); err != nil {
				return err
			}
		}
	}
}
