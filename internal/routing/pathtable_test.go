package routing_test

import (
	"testing"

	"github.com/zond/reticulum-rs-esp32/internal/routing"
)

func rssi(v int16) *int16 { return &v }

func TestPathTableBestPathSelection(t *testing.T) {
	t.Parallel()

	table, err := routing.NewPathTable(routing.DefaultPathTableConfig())
	if err != nil {
		t.Fatalf("NewPathTable: %v", err)
	}
	dest := hashOf('d')

	table.AddPath(dest, routing.InterfaceLoRa, nil, routing.PathMetrics{Hops: 3, RSSIDbm: rssi(-90), Validated: false})
	table.AddPath(dest, routing.InterfaceBLE, nil, routing.PathMetrics{Hops: 2, RSSIDbm: rssi(-70), Validated: true})

	best, ok := table.BestPath(dest)
	if !ok {
		t.Fatalf("expected a best path")
	}
	if best.Interface != routing.InterfaceBLE {
		t.Fatalf("expected BLE entry to win, got %v", best.Interface)
	}
}

func TestPathTableHopCountDominatesRSSI(t *testing.T) {
	t.Parallel()

	table, err := routing.NewPathTable(routing.DefaultPathTableConfig())
	if err != nil {
		t.Fatalf("NewPathTable: %v", err)
	}
	dest := hashOf('d')

	// Shorter path with terrible RSSI should still beat a longer path with
	// great RSSI and validation.
	table.AddPath(dest, routing.InterfaceLoRa, nil, routing.PathMetrics{Hops: 1, RSSIDbm: rssi(-120), Validated: false})
	table.AddPath(dest, routing.InterfaceBLE, nil, routing.PathMetrics{Hops: 2, RSSIDbm: rssi(-30), Validated: true})

	best, ok := table.BestPath(dest)
	if !ok || best.Interface != routing.InterfaceLoRa {
		t.Fatalf("expected shorter LoRa path to win, got %+v ok=%v", best, ok)
	}
}

func TestPathTableMaxPathsPerDestEviction(t *testing.T) {
	t.Parallel()

	table, err := routing.NewPathTable(routing.PathTableConfig{MaxDestinations: 8, MaxPathsPerDest: 1, TTL: routing.DefaultPathTableConfig().TTL})
	if err != nil {
		t.Fatalf("NewPathTable: %v", err)
	}
	dest := hashOf('d')

	table.AddPath(dest, routing.InterfaceLoRa, nil, routing.PathMetrics{Hops: 5})
	changed := table.AddPath(dest, routing.InterfaceBLE, nil, routing.PathMetrics{Hops: 1})
	if !changed {
		t.Fatalf("expected the better-scoring path to replace the worst entry")
	}
	paths := table.PathsTo(dest)
	if len(paths) != 1 || paths[0].Interface != routing.InterfaceBLE {
		t.Fatalf("expected only the BLE path to survive, got %+v", paths)
	}
}

func TestPathTableValidatePathIsNoOpWhenAbsent(t *testing.T) {
	t.Parallel()

	table, err := routing.NewPathTable(routing.DefaultPathTableConfig())
	if err != nil {
		t.Fatalf("NewPathTable: %v", err)
	}
	table.ValidatePath(hashOf('z'), routing.InterfaceLoRa) // must not panic
	if table.Len() != 0 {
		t.Fatalf("expected no destinations created")
	}
}
