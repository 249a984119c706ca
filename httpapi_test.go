package runcore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zond/reticulum-rs-esp32/internal/linkqueue"
	"github.com/zond/reticulum-rs-esp32/internal/metrics"
	"github.com/zond/reticulum-rs-esp32/internal/routing"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()

	announceCache, err := routing.NewAnnounceCache(routing.DefaultAnnounceCacheConfig())
	if err != nil {
		t.Fatalf("NewAnnounceCache: %v", err)
	}
	pathTable, err := routing.NewPathTable(routing.DefaultPathTableConfig())
	if err != nil {
		t.Fatalf("NewPathTable: %v", err)
	}
	mc := metrics.NewCollector(prometheus.NewRegistry())

	n := &Node{
		announceCache: announceCache,
		pathTable:     pathTable,
		metrics:       mc,
		startedAt:     time.Now().Add(-5 * time.Second),
	}
	n.linkQ = linkqueue.NewCore(nil, mc)
	return n
}

func TestStatsSnapshotNilNode(t *testing.T) {
	t.Parallel()

	var n *Node
	snap := n.StatsSnapshot()
	if snap.UptimeSecs != 0 || snap.IdentityHash != "" {
		t.Fatalf("nil node snapshot = %+v, want zero value", snap)
	}
}

func TestStatsSnapshotReflectsMetricsAndRouting(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	n.metrics.IncLoraTx()
	n.metrics.IncLoraTx()
	n.metrics.IncBleRx()

	snap := n.StatsSnapshot()
	if snap.Interfaces.LoRa.Tx != 2 {
		t.Errorf("lora tx = %d, want 2", snap.Interfaces.LoRa.Tx)
	}
	if snap.Interfaces.BLE.Rx != 1 {
		t.Errorf("ble rx = %d, want 1", snap.Interfaces.BLE.Rx)
	}
	if snap.UptimeSecs < 5 {
		t.Errorf("uptime_secs = %d, want >= 5", snap.UptimeSecs)
	}
}

func TestStatsHandlerRootRedirects(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	n.statsHandler(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/stats" {
		t.Fatalf("Location = %q, want /stats", loc)
	}
}

func TestStatsHandlerUnknownPathNotFound(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	req := httptest.NewRequest(http.MethodGet, "/bogus", nil)
	rec := httptest.NewRecorder()
	n.statsHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStatsHandlerNonGetMethodNotAllowed(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	req := httptest.NewRequest(http.MethodPost, "/stats", nil)
	rec := httptest.NewRecorder()
	n.statsHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("Allow = %q, want GET", allow)
	}
}

func TestStatsHandlerReturnsJSON(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	n.statsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, key := range []string{"uptime_secs", "identity_hash", "interfaces", "routing", "queue"} {
		if _, ok := body[key]; !ok {
			t.Errorf("body missing key %q: %v", key, body)
		}
	}
}
