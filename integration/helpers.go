package integration

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marketfleet/hostd/internal/config"
	"github.com/marketfleet/hostd/internal/hosting"
	"github.com/marketfleet/hostd/internal/provider"
	"github.com/marketfleet/hostd/internal/storage"
)

// fakeProviderServer is an in-memory sandbox provider behind a real HTTP
// listener, so the tests exercise the production client end to end.
type fakeProviderServer struct {
	mu          sync.Mutex
	sandboxes   map[string]string
	createFails int
	restarts    []string
	nextID      int

	server *httptest.Server
}

func newFakeProviderServer(t *testing.T) *fakeProviderServer {
	t.Helper()

	f := &fakeProviderServer{sandboxes: make(map[string]string)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeProviderServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes":
		if f.createFails > 0 {
			f.createFails--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var spec provider.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.nextID++
		id := fmt.Sprintf("sbx-%d", f.nextID)
		f.sandboxes[id] = "running"
		_ = json.NewEncoder(w).Encode(provider.Sandbox{
			ID:          id,
			Name:        spec.Name,
			URL:         "https://" + id + ".sandbox.example.com",
			InternalURL: "http://" + id + ".internal:8080",
		})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/restart"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/sandboxes/"), "/restart")
		f.restarts = append(f.restarts, id)

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/metrics"):
		_ = json.NewEncoder(w).Encode(provider.Metrics{CPUPercent: 10, MemoryUsedMB: 128})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/sandboxes/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/sandboxes/")
		status, ok := f.sandboxes[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(provider.Status{ID: id, Status: status})

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/sandboxes/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/sandboxes/")
		if _, ok := f.sandboxes[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.sandboxes, id)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeProviderServer) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[id] = status
}

func (f *fakeProviderServer) failNextCreates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFails = n
}

func (f *fakeProviderServer) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

type hostingHarness struct {
	t         *testing.T
	db        *sql.DB
	provider  *fakeProviderServer
	store     *hosting.Store
	lifecycle *hosting.LifecycleManager
	health    *hosting.HealthMonitor
	billing   *hosting.BillingProcessor
}

func newHostingHarness(t *testing.T) *hostingHarness {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "hostd-e2e-*.db")
	if err != nil {
		t.Fatalf("create temp db failed: %v", err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatalf("close temp db file failed: %v", err)
	}

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpfile.Name())
	})

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	fake := newFakeProviderServer(t)
	client := provider.NewHTTPClient(fake.server.URL, "test-key", 3*time.Second, zap.NewNop())

	store := hosting.NewStore(db, zap.NewNop())
	catalog, err := hosting.NewCatalog(store, zap.NewNop())
	if err != nil {
		t.Fatalf("create catalog: %v", err)
	}

	pricing := config.PricingConfig{
		MemoryRatePerMBHour:  0.00005,
		CPURatePerUnitHour:   0.00002,
		StorageRatePerGBHour: 0.0001,
		DefaultMarkupPercent: 20,
		CreatorRevenueShare:  0.5,
	}

	lifecycle := hosting.NewLifecycleManager(store, client, catalog, pricing,
		config.DeployConfig{MaxAttempts: 3, BackoffBaseSec: 1}, nil, zap.NewNop())
	health := hosting.NewHealthMonitor(config.HealthConfig{
		CheckIntervalSec:      60,
		CheckTimeoutSec:       5,
		SustainedUnhealthySec: 1800,
		MaxConcurrentChecks:   4,
	}, store, client, lifecycle, zap.NewNop())
	billing := hosting.NewBillingProcessor(config.BillingConfig{
		CycleIntervalSec:    3600,
		MaxConcurrentChecks: 4,
	}, store, lifecycle, pricing, nil, zap.NewNop())

	return &hostingHarness{
		t:         t,
		db:        db,
		provider:  fake,
		store:     store,
		lifecycle: lifecycle,
		health:    health,
		billing:   billing,
	}
}

func (h *hostingHarness) seedOrg(id string, balance float64) {
	h.t.Helper()
	if _, err := h.db.Exec(`INSERT INTO organizations (id, credit_balance) VALUES (?, ?)`, id, balance); err != nil {
		h.t.Fatalf("seed organization: %v", err)
	}
}

func (h *hostingHarness) seedAsset(id string, assetType, image string) {
	h.t.Helper()
	if _, err := h.db.Exec(`
		INSERT INTO assets (id, name, asset_type, image, env, ports)
		VALUES (?, ?, ?, ?, '{}', '[8080]')
	`, id, "asset "+id, assetType, image); err != nil {
		h.t.Fatalf("seed asset: %v", err)
	}
}

func (h *hostingHarness) seedVersion(id, assetID, version string) {
	h.t.Helper()
	if _, err := h.db.Exec(`
		INSERT INTO asset_versions (id, asset_id, version, image, env, ports)
		VALUES (?, ?, ?, '', '{}', '[]')
	`, id, assetID, version); err != nil {
		h.t.Fatalf("seed asset version: %v", err)
	}
}

// rewindClock pushes an instance's timestamps into the past so the
// timestamp-gated loops see elapsed time without the test sleeping.
func (h *hostingHarness) rewindClock(instanceID string, startedAgo, lastBillingAgo time.Duration) {
	h.t.Helper()

	now := time.Now().UTC().Truncate(time.Second)
	started := now.Add(-startedAgo).Format(time.RFC3339Nano)
	lastBilling := now.Add(-lastBillingAgo).Format(time.RFC3339Nano)

	if _, err := h.db.Exec(`
		UPDATE instances SET started_at = ?, last_billing_at = ? WHERE id = ?
	`, started, lastBilling, instanceID); err != nil {
		h.t.Fatalf("rewind instance clock: %v", err)
	}
}

func (h *hostingHarness) ageUnhealthySince(instanceID string, ago time.Duration) {
	h.t.Helper()

	since := time.Now().UTC().Truncate(time.Second).Add(-ago).Format(time.RFC3339Nano)
	if _, err := h.db.Exec(`
		UPDATE instances SET unhealthy_since = ? WHERE id = ?
	`, since, instanceID); err != nil {
		h.t.Fatalf("age unhealthy_since: %v", err)
	}
}
