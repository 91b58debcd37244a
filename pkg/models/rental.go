package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is a customer that pays for rentals from its balance.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID         int64     `bun:",pk,autoincrement"`
	ExternalID int64     `bun:",unique,notnull"`
	Name       string
	Balance    int64     `bun:",notnull,default:0"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Rental binds a user to a proxy and a port until ExpireAt.
type Rental struct {
	bun.BaseModel `bun:"table:proxy_rentals,alias:r"`

	ID          int64     `bun:",pk,autoincrement"`
	UserID      int64     `bun:",notnull"`
	ProxyID     int64     `bun:",notnull"`
	PortID      int64     `bun:",notnull"`
	PurchasedAt time.Time `bun:",notnull"`
	ExpireAt    time.Time `bun:",notnull"`
	Login       string    `bun:",notnull"`
	Password    string    `bun:",notnull"`
}

// Expired reports whether the rental is due for reclamation at now.
func (r *Rental) Expired(now time.Time) bool {
	return !now.Before(r.ExpireAt)
}

// RentalView is a rental joined with the data a customer needs to connect.
type RentalView struct {
	RentalID int64     `bun:"rental_id"`
	ServerIP string    `bun:"server_ip"`
	Port     int       `bun:"port"`
	Protocol string    `bun:"protocol"`
	Operator string    `bun:"operator"`
	Country  string    `bun:"country"`
	Login    string    `bun:"login"`
	Password string    `bun:"password"`
	ExpireAt time.Time `bun:"expire_at"`
}
