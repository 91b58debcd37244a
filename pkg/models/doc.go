/*
Package models defines the persisted data structures of the proxy rental
service: the rentable inventory, the rentals binding users to it, and the
provisioning task queue shared with the external worker.

Inventory:

	Server     a remote host (proxy_servers)
	Port       an external port on a server (proxy_ports)
	Proxy      an upstream internal address on a server (proxies)
	ProxyType  operator + protocol pair a proxy belongs to (proxy_types)
	Protocol   SOCKS5, HTTP, ... (protocols)
	Operator   carrier name and country (operators)

Proxies and ports carry a ResourceStatus:

	available -> rented     purchase flow
	rented    -> available  reclamation loop

No other writer changes these fields.

Rentals:

	type Rental struct {
		UserID, ProxyID, PortID int64
		PurchasedAt, ExpireAt   time.Time
		Login, Password         string
	}

A rental row exists while the user holds the proxy+port pair. It is deleted by
the reclamation loop once ExpireAt has passed, together with flipping both
resources back to available.

Tasks:

	type Task struct {
		ID        int64        // bigserial, assigned on insert
		TaskType  TaskKind     // add_proxy | remove_proxy
		ServerIP  string
		Payload   TaskPayload  // jsonb, immutable
		Status    TaskStatus   // pending | processing | done | error
		CreatedAt time.Time
		UpdatedAt *time.Time   // set once, on the first terminal status
		ErrorMessage string
	}

The payload JSON field names (ip, internal_ip, port, login, password,
protocol, operator) are read by the worker and must not be renamed.
*/
package models
