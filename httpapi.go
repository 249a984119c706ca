package runcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/svanichkin/go-reticulum/rns"
)

type ifaceStatsJSON struct {
	Tx int `json:"tx"`
	Rx int `json:"rx"`
}

type statsResponse struct {
	UptimeSecs    int64  `json:"uptime_secs"`
	IdentityHash  string `json:"identity_hash"`
	Interfaces    struct {
		LoRa    ifaceStatsJSON `json:"lora"`
		BLE     ifaceStatsJSON `json:"ble"`
		Testnet ifaceStatsJSON `json:"testnet"`
	} `json:"interfaces"`
	Routing struct {
		AnnounceCacheSize int `json:"announce_cache_size"`
		PathTableSize     int `json:"path_table_size"`
		KnownDestinations int `json:"known_destinations"`
	} `json:"routing"`
	Queue struct {
		QueuedMessages  int `json:"queued_messages"`
		ExpiredMessages int `json:"expired_messages"`
		DroppedOnClose  int `json:"dropped_on_close"`
	} `json:"queue"`
}

// StatsSnapshot builds the /stats JSON body described by the operator
// surface: uptime, identity, per-interface tx/rx, routing table sizes, and
// queue depth/attrition counters.
func (n *Node) StatsSnapshot() statsResponse {
	var resp statsResponse
	if n == nil {
		return resp
	}
	resp.UptimeSecs = int64(time.Since(n.startedAt).Seconds())
	if n.identity != nil {
		resp.IdentityHash = n.DestinationHashHex()
	}
	if n.metrics != nil {
		resp.Interfaces.LoRa.Tx = n.metrics.LoraTxValue()
		resp.Interfaces.LoRa.Rx = n.metrics.LoraRxValue()
		resp.Interfaces.BLE.Tx = n.metrics.BleTxValue()
		resp.Interfaces.BLE.Rx = n.metrics.BleRxValue()
		resp.Queue.ExpiredMessages = n.metrics.ExpiredMessagesValue()
		resp.Queue.DroppedOnClose = n.metrics.DroppedOnCloseValue()
	}
	if n.announceCache != nil {
		resp.Routing.AnnounceCacheSize = n.announceCache.Len()
	}
	if n.pathTable != nil {
		resp.Routing.PathTableSize = n.pathTable.Len()
	}
	resp.Routing.KnownDestinations = len(n.announceSnapshot())
	if n.linkQ != nil {
		resp.Queue.QueuedMessages = n.linkQ.QueuedMessageCount()
	}
	return resp
}

// StatusText renders StatsSnapshot as the human-readable line the operator
// CLI's "status"/"s" command prints.
func (n *Node) StatusText() string {
	s := n.StatsSnapshot()
	return fmt.Sprintf("Node Status:\n  Identity: %s\n  Uptime: %ds\n  Known destinations: %d\n  Queued messages: %d\n",
		s.IdentityHash, s.UptimeSecs, s.Routing.KnownDestinations, s.Queue.QueuedMessages)
}

// statsHandler serves the plain-JSON operator stats endpoint. "/" redirects
// to "/stats"; any other path is a 404; non-GET methods get 405.
func (n *Node) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		http.Redirect(w, r, "/stats", http.StatusFound)
		return
	}
	if r.URL.Path != "/stats" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(n.StatsSnapshot())
}

// startStatsServer starts the /stats and /metrics HTTP listener on addr.
// An empty addr disables the listener.
func (n *Node) startStatsServer(addr string) {
	if n == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.statsHandler)
	mux.HandleFunc("/stats", n.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.httpServer = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rns.Log("stats server stopped: "+err.Error(), rns.LOG_ERROR)
		}
	}()
}
