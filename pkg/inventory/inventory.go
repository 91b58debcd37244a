// Package inventory imports rentable servers, ports and upstream proxies
// from line oriented files.
package inventory

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"proxy-rental/pkg/models"
)

type Store interface {
	UpsertServer(ctx context.Context, ip string) (*models.Server, error)
	InsertPorts(ctx context.Context, serverID int64, ports []int) (duplicates []int, err error)
	InsertProxies(ctx context.Context, serverID, proxyTypeID int64, internalIPs []string) (duplicates []string, err error)
}

// Report lists what an import did with each input line.
type Report struct {
	Added      int
	Duplicates []string
	Invalid    []string
}

type Importer struct {
	store  Store
	logger *slog.Logger
}

func NewImporter(store Store, logger *slog.Logger) *Importer {
	return &Importer{store: store, logger: logger.With("component", "inventory")}
}

// AddServer registers a server by its public IPv4 address.
func (im *Importer) AddServer(ctx context.Context, ip string) (*models.Server, error) {
	addr, err := parseIPv4(ip)
	if err != nil {
		return nil, err
	}
	server, err := im.store.UpsertServer(ctx, addr)
	if err != nil {
		return nil, err
	}
	im.logger.Info("Server registered", "server_id", server.ID, "ip", server.IP)
	return server, nil
}

// ImportPorts adds the ports listed in r to the server. A line holds a port
// or an inclusive range such as 8000-8099.
func (im *Importer) ImportPorts(ctx context.Context, serverIP string, r io.Reader) (*Report, error) {
	server, err := im.AddServer(ctx, serverIP)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	var ports []int
	seen := map[int]bool{}
	err = scanLines(r, func(line string) {
		parsed, err := parsePorts(line)
		if err != nil {
			im.logger.Warn("Skipping invalid port line", "line", line, "error", err)
			report.Invalid = append(report.Invalid, line)
			return
		}
		for _, p := range parsed {
			if seen[p] {
				report.Duplicates = append(report.Duplicates, strconv.Itoa(p))
				continue
			}
			seen[p] = true
			ports = append(ports, p)
		}
	})
	if err != nil {
		return nil, err
	}

	dups, err := im.store.InsertPorts(ctx, server.ID, ports)
	if err != nil {
		return nil, err
	}
	for _, p := range dups {
		report.Duplicates = append(report.Duplicates, strconv.Itoa(p))
	}
	report.Added = len(ports) - len(dups)

	im.logger.Info("Ports imported", "server_ip", server.IP, "added", report.Added,
		"duplicates", len(report.Duplicates), "invalid", len(report.Invalid))
	return report, nil
}

// ImportProxies adds the internal IPv4 addresses listed in r to the server
// as proxies of the given type.
func (im *Importer) ImportProxies(ctx context.Context, serverIP string, proxyTypeID int64, r io.Reader) (*Report, error) {
	server, err := im.AddServer(ctx, serverIP)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	var ips []string
	seen := map[string]bool{}
	err = scanLines(r, func(line string) {
		ip, err := parseIPv4(line)
		if err != nil {
			im.logger.Warn("Skipping invalid proxy line", "line", line, "error", err)
			report.Invalid = append(report.Invalid, line)
			return
		}
		if seen[ip] {
			report.Duplicates = append(report.Duplicates, ip)
			return
		}
		seen[ip] = true
		ips = append(ips, ip)
	})
	if err != nil {
		return nil, err
	}

	dups, err := im.store.InsertProxies(ctx, server.ID, proxyTypeID, ips)
	if err != nil {
		return nil, err
	}
	report.Duplicates = append(report.Duplicates, dups...)
	report.Added = len(ips) - len(dups)

	im.logger.Info("Proxies imported", "server_ip", server.IP, "added", report.Added,
		"duplicates", len(report.Duplicates), "invalid", len(report.Invalid))
	return report, nil
}

// ImportPortsFromFile is ImportPorts reading from filename.
func (im *Importer) ImportPortsFromFile(ctx context.Context, serverIP, filename string) (*Report, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return im.ImportPorts(ctx, serverIP, file)
}

// ImportProxiesFromFile is ImportProxies reading from filename.
func (im *Importer) ImportProxiesFromFile(ctx context.Context, serverIP string, proxyTypeID int64, filename string) (*Report, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return im.ImportProxies(ctx, serverIP, proxyTypeID, file)
}

// scanLines calls fn for every non-empty line that is not a # comment.
func scanLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}
	return nil
}

func parseIPv4(s string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid ip %q: %w", s, err)
	}
	if !addr.Is4() {
		return "", fmt.Errorf("invalid ip %q: not IPv4", s)
	}
	return addr.String(), nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

func parsePorts(line string) ([]int, error) {
	from, to, isRange := strings.Cut(line, "-")
	first, err := parsePort(from)
	if err != nil {
		return nil, err
	}
	if !isRange {
		return []int{first}, nil
	}
	last, err := parsePort(to)
	if err != nil {
		return nil, err
	}
	if last < first {
		return nil, fmt.Errorf("empty range %q", line)
	}
	ports := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}
