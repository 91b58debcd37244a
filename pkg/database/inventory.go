package database

import (
	"context"
	"fmt"

	"proxy-rental/pkg/models"
)

// UpsertServer inserts the server or loads the existing row with the same ip.
func (s *Store) UpsertServer(ctx context.Context, ip string) (*models.Server, error) {
	server := &models.Server{IP: ip}
	err := s.db.NewInsert().
		Model(server).
		On("CONFLICT (ip) DO UPDATE").
		Set("ip = EXCLUDED.ip").
		Returning("*").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error upserting server: %w", err)
	}
	return server, nil
}

func (s *Store) GetServerByIP(ctx context.Context, ip string) (*models.Server, error) {
	var server models.Server
	err := s.db.NewSelect().
		Model(&server).
		Where("s.ip = ?", ip).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting server %s: %w", ip, translate(err))
	}
	return &server, nil
}

// InsertPorts adds the ports to the server and returns the ports that
// already existed.
func (s *Store) InsertPorts(ctx context.Context, serverID int64, ports []int) (duplicates []int, err error) {
	if len(ports) == 0 {
		return nil, nil
	}

	rows := make([]models.Port, 0, len(ports))
	for _, p := range ports {
		rows = append(rows, models.Port{ServerID: serverID, Port: p, Status: models.StatusAvailable})
	}

	var inserted []models.Port
	err = s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (server_id, port) DO NOTHING").
		Returning("port").
		Scan(ctx, &inserted)
	if err != nil {
		return nil, fmt.Errorf("error inserting ports: %w", translate(err))
	}

	added := make(map[int]bool, len(inserted))
	for _, p := range inserted {
		added[p.Port] = true
	}
	for _, p := range ports {
		if !added[p] {
			duplicates = append(duplicates, p)
		}
	}
	return duplicates, nil
}

// InsertProxies adds the internal addresses to the server under the proxy
// type and returns the addresses that already existed.
func (s *Store) InsertProxies(ctx context.Context, serverID, proxyTypeID int64, internalIPs []string) (duplicates []string, err error) {
	if len(internalIPs) == 0 {
		return nil, nil
	}

	rows := make([]models.Proxy, 0, len(internalIPs))
	for _, ip := range internalIPs {
		rows = append(rows, models.Proxy{
			ServerID:    serverID,
			InternalIP:  ip,
			ProxyTypeID: proxyTypeID,
			Status:      models.StatusAvailable,
		})
	}

	var inserted []models.Proxy
	err = s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (server_id, internal_ip) DO NOTHING").
		Returning("internal_ip").
		Scan(ctx, &inserted)
	if err != nil {
		return nil, fmt.Errorf("error inserting proxies: %w", translate(err))
	}

	added := make(map[string]bool, len(inserted))
	for _, p := range inserted {
		added[p.InternalIP] = true
	}
	for _, ip := range internalIPs {
		if !added[ip] {
			duplicates = append(duplicates, ip)
		}
	}
	return duplicates, nil
}

// EnsureProxyType returns the id of the operator/protocol pair, creating the
// operator and the type if needed. The protocol must exist.
func (s *Store) EnsureProxyType(ctx context.Context, operator, country, protocol string, speed int) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(ctx context.Context, tx *Store) error {
		var proto models.Protocol
		err := tx.db.NewSelect().
			Model(&proto).
			Where("pr.value = ?", protocol).
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("error getting protocol %s: %w", protocol, translate(err))
		}

		op := &models.Operator{Name: operator, CountryCode: country}
		err = tx.db.NewInsert().
			Model(op).
			On("CONFLICT (name, country_code) DO UPDATE").
			Set("name = EXCLUDED.name").
			Returning("*").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("error upserting operator: %w", err)
		}

		pt := &models.ProxyType{OperatorID: op.ID, ProtocolID: proto.ID, Speed: speed}
		err = tx.db.NewInsert().
			Model(pt).
			On("CONFLICT (operator_id, protocol_id) DO UPDATE").
			Set("speed = EXCLUDED.speed").
			Returning("*").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("error upserting proxy type: %w", err)
		}

		id = pt.ID
		return nil
	})
	return id, err
}
