package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ResourceStatus is the availability of a proxy or a port.
type ResourceStatus string

const (
	StatusAvailable   ResourceStatus = "available"
	StatusRented      ResourceStatus = "rented"
	StatusUnavailable ResourceStatus = "unavailable"
)

func (s ResourceStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusRented, StatusUnavailable:
		return true
	}
	return false
}

// Server is a remote host running the proxy software.
type Server struct {
	bun.BaseModel `bun:"table:proxy_servers,alias:s"`

	ID        int64     `bun:",pk,autoincrement"`
	IP        string    `bun:",unique,notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Port is an externally reachable port on a server. A port is handed to one
// rental at a time.
type Port struct {
	bun.BaseModel `bun:"table:proxy_ports,alias:pp"`

	ID       int64          `bun:",pk,autoincrement"`
	ServerID int64          `bun:",notnull,unique:proxy_ports_server_port_key"`
	Port     int            `bun:",notnull,unique:proxy_ports_server_port_key"`
	Status   ResourceStatus `bun:",notnull,default:'available'"`

	Server *Server `bun:"rel:belongs-to,join:server_id=id"`
}

// Proxy is an upstream (modem/interface) address on a server that traffic of a
// rented port is routed through.
type Proxy struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	ID          int64          `bun:",pk,autoincrement"`
	ServerID    int64          `bun:",notnull,unique:proxies_server_internal_ip_key"`
	InternalIP  string         `bun:",notnull,unique:proxies_server_internal_ip_key"`
	ProxyTypeID int64          `bun:",notnull"`
	Status      ResourceStatus `bun:",notnull,default:'available'"`

	Server    *Server    `bun:"rel:belongs-to,join:server_id=id"`
	ProxyType *ProxyType `bun:"rel:belongs-to,join:proxy_type_id=id"`
}

// ProxyType links an operator with a protocol.
type ProxyType struct {
	bun.BaseModel `bun:"table:proxy_types,alias:pt"`

	ID         int64 `bun:",pk,autoincrement"`
	OperatorID int64 `bun:",notnull,unique:proxy_types_operator_protocol_key"`
	ProtocolID int64 `bun:",notnull,unique:proxy_types_operator_protocol_key"`
	Speed      int   `bun:",notnull,default:30"`

	Operator *Operator `bun:"rel:belongs-to,join:operator_id=id"`
	Protocol *Protocol `bun:"rel:belongs-to,join:protocol_id=id"`
}

type Protocol struct {
	bun.BaseModel `bun:"table:protocols,alias:pr"`

	ID    int64  `bun:",pk,autoincrement"`
	Value string `bun:",unique,notnull"`
}

// Operator is a mobile or ISP carrier, e.g. "KYIVSTAR" in "UA".
type Operator struct {
	bun.BaseModel `bun:"table:operators,alias:o"`

	ID          int64  `bun:",pk,autoincrement"`
	Name        string `bun:",notnull,unique:operators_country_name_key"`
	CountryCode string `bun:",notnull,unique:operators_country_name_key"`
}

// Default protocols inserted on install.
var DefaultProtocols = []string{"SOCKS5", "HTTP"}
