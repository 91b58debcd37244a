package inventory

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"proxy-rental/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	servers map[string]*models.Server
	ports   map[int64]map[int]bool
	proxies map[int64]map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		servers: map[string]*models.Server{},
		ports:   map[int64]map[int]bool{},
		proxies: map[int64]map[string]int64{},
	}
}

func (m *memStore) UpsertServer(ctx context.Context, ip string) (*models.Server, error) {
	if s, ok := m.servers[ip]; ok {
		return s, nil
	}
	s := &models.Server{ID: int64(len(m.servers) + 1), IP: ip}
	m.servers[ip] = s
	return s, nil
}

func (m *memStore) InsertPorts(ctx context.Context, serverID int64, ports []int) ([]int, error) {
	if m.ports[serverID] == nil {
		m.ports[serverID] = map[int]bool{}
	}
	var dups []int
	for _, p := range ports {
		if m.ports[serverID][p] {
			dups = append(dups, p)
			continue
		}
		m.ports[serverID][p] = true
	}
	return dups, nil
}

func (m *memStore) InsertProxies(ctx context.Context, serverID, proxyTypeID int64, ips []string) ([]string, error) {
	if m.proxies[serverID] == nil {
		m.proxies[serverID] = map[string]int64{}
	}
	var dups []string
	for _, ip := range ips {
		if _, ok := m.proxies[serverID][ip]; ok {
			dups = append(dups, ip)
			continue
		}
		m.proxies[serverID][ip] = proxyTypeID
	}
	return dups, nil
}

func newImporter(store Store) *Importer {
	return NewImporter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParsePorts(t *testing.T) {
	tests := []struct {
		line    string
		want    []int
		wantErr bool
	}{
		{line: "8080", want: []int{8080}},
		{line: "8000-8003", want: []int{8000, 8001, 8002, 8003}},
		{line: " 1 - 1 ", want: []int{1}},
		{line: "0", wantErr: true},
		{line: "65536", wantErr: true},
		{line: "80-70", wantErr: true},
		{line: "http", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parsePorts(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddServerRejectsNonIPv4(t *testing.T) {
	im := newImporter(newMemStore())
	for _, ip := range []string{"example.com", "::1", "10.0.0.256"} {
		_, err := im.AddServer(context.Background(), ip)
		assert.Error(t, err, ip)
	}
}

func TestImportPorts(t *testing.T) {
	store := newMemStore()
	im := newImporter(store)
	ctx := context.Background()

	input := "# ports\n8080\n8081-8083\n\n8080\nbogus\n70000\n"
	report, err := im.ImportPorts(ctx, "10.0.0.1", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Added)
	assert.Equal(t, []string{"8080"}, report.Duplicates)
	assert.Equal(t, []string{"bogus", "70000"}, report.Invalid)

	report, err = im.ImportPorts(ctx, "10.0.0.1", strings.NewReader("8083\n8084\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, []string{"8083"}, report.Duplicates)
	assert.Len(t, store.servers, 1)
}

func TestImportProxies(t *testing.T) {
	store := newMemStore()
	im := newImporter(store)

	input := "192.168.0.2\n192.168.0.3\n192.168.0.2\nfe80::1\nnot-an-ip\n"
	report, err := im.ImportProxies(context.Background(), "10.0.0.1", 5, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, []string{"192.168.0.2"}, report.Duplicates)
	assert.Equal(t, []string{"fe80::1", "not-an-ip"}, report.Invalid)
	assert.Equal(t, int64(5), store.proxies[1]["192.168.0.3"])
}

func TestImportFromMissingFile(t *testing.T) {
	_, err := newImporter(newMemStore()).ImportPortsFromFile(context.Background(), "10.0.0.1", "/nonexistent/ports.txt")
	assert.Error(t, err)
}
