package runcore

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/svanichkin/configobj"
	"github.com/svanichkin/go-lxmf/lxmf"
	"github.com/svanichkin/go-reticulum/rns"
	umsgpack "github.com/svanichkin/go-reticulum/rns/vendor"
	"golang.org/x/sync/errgroup"

	"github.com/zond/reticulum-rs-esp32/internal/appconfig"
	"github.com/zond/reticulum-rs-esp32/internal/chatstate"
	"github.com/zond/reticulum-rs-esp32/internal/linkqueue"
	"github.com/zond/reticulum-rs-esp32/internal/lora"
	"github.com/zond/reticulum-rs-esp32/internal/metrics"
	"github.com/zond/reticulum-rs-esp32/internal/routing"
)

type LogDest = any

type Options struct {
	// RNSConfigDir is an optional Reticulum config dir to use as-is.
	// If empty, runcore generates an inline config under Dir.
	RNSConfigDir string

	// Dir is runcore's own state directory (identity + LXMF storage).
	// If empty, defaults to "./.runcore".
	Dir string

	// DisplayName is embedded into LXMF announce metadata (optional).
	DisplayName string

	// LogLevel uses Reticulum log levels 0..7 (default: 4).
	LogLevel int

	// LogDest is rns.LOG_STDOUT or rns.LOG_FILE (or callback).
	LogDest LogDest

	// DeliveryStampCost sets inbound stamp cost for this node (nil = no requirement).
	DeliveryStampCost *int

	// ResetLXMFState removes LXMF transient state (eg ratchets) before starting.
	ResetLXMFState bool

	// ResetRNSConfig overwrites generated Dir/rns/config with the embedded template.
	// Has no effect if RNSConfigDir is set.
	ResetRNSConfig bool

	// AppConfigPath is an optional path to the node-level YAML config
	// (region, LoRa/BLE tunables, timing). Empty uses built-in defaults
	// layered with RETICULUM_NODE_ environment overrides.
	AppConfigPath string
}

type Node struct {
	opts Options

	reticulum *rns.Reticulum
	identity  *rns.Identity

	storageDir string

	router          *lxmf.LXMRouter
	deliveryDestIn  *rns.Destination
	onInbound       func(*lxmf.LXMessage)
	onChatMessage   func(sender chatstate.Hash, text string)
	announceMu      sync.Mutex
	announceCache   *routing.AnnounceCache
	announceDisplay map[routing.AnnounceHash]AnnounceEntry
	announceHandler *announceLogger

	appConfig *appconfig.Config
	metrics   *metrics.Collector
	linkQ     *linkqueue.Core
	pathTable *routing.PathTable

	// Event-loop plumbing: the three channels linkqueue.Core.Run selects
	// over, fed by the announce handler and nodeEngine's link lifecycle
	// callbacks, plus the errgroup supervising that loop and Close()'s
	// cancellation of it.
	announceCh    chan linkqueue.Announce
	inboundLinkCh chan linkqueue.LinkEvent
	outboundLinkCh chan linkqueue.LinkEvent
	loopCancel    context.CancelFunc
	loopGroup     *errgroup.Group

	displayName      string
	announceStop     chan struct{}
	announceStopOnce sync.Once

	networkResetMu sync.Mutex
	ifaceStateMu   sync.Mutex
	ifaceOfflineAt map[string]time.Time
	lastIfaceReset time.Time

	announceInFlight int32
	announceQueued   int32

	startedAt  time.Time
	httpServer *http.Server
}

// nodeEngine adapts this Node's outgoing-link machinery to linkqueue.Engine.
// CreateLink's descriptor must be a *rns.Destination, the same type the
// chat path already resolves via rns.IdentityRecall + rns.NewDestination.
type nodeEngine struct {
	node *Node
}

// CreateLink's established/closed callbacks update the atomic status
// nodeLink.Status() reads, and publish the event onto the node's outbound
// link channel: the event-loop goroutine (linkqueue.Core.Run, started in
// Start()) is the only thing that calls OnOutboundActivated/OnOutboundClosed,
// so the queue-drain/discard machinery runs on the single selector loop
// rather than racing directly on the rns library's own callback goroutine.
// The channel is buffered so a callback firing before the loop goroutine has
// been scheduled does not deadlock rns's link-teardown path.
func (e *nodeEngine) CreateLink(hash linkqueue.Hash, descriptor any) (linkqueue.Link, error) {
	dest, ok := descriptor.(*rns.Destination)
	if !ok || dest == nil {
		return nil, errors.New("linkqueue: descriptor is not a *rns.Destination")
	}
	nl := &nodeLink{status: int32(linkqueue.LinkPending)}
	link, err := rns.NewOutgoingLink(dest, -1,
		func(*rns.Link) {
			atomic.StoreInt32(&nl.status, int32(linkqueue.LinkActive))
			e.publish(linkqueue.LinkEvent{Hash: hash, Kind: linkqueue.LinkEventActivated})
		},
		func(*rns.Link) {
			atomic.StoreInt32(&nl.status, int32(linkqueue.LinkClosed))
			e.publish(linkqueue.LinkEvent{Hash: hash, Kind: linkqueue.LinkEventClosed})
		},
	)
	if err != nil {
		return nil, err
	}
	nl.link = link
	return nl, nil
}

// publish sends ev on the node's outbound-link channel without blocking the
// caller indefinitely: if the event loop is not yet running (or is already
// shut down), the event is dropped rather than wedging an rns callback
// goroutine forever.
func (e *nodeEngine) publish(ev linkqueue.LinkEvent) {
	if e.node == nil || e.node.outboundLinkCh == nil {
		return
	}
	select {
	case e.node.outboundLinkCh <- ev:
	default:
		go func() {
			select {
			case e.node.outboundLinkCh <- ev:
			case <-time.After(5 * time.Second):
			}
		}()
	}
}

// Send invokes the closure built by nodeLink.DataPacket.
func (e *nodeEngine) Send(packet any) error {
	send, ok := packet.(func() error)
	if !ok || send == nil {
		return errors.New("linkqueue: packet is not a send thunk")
	}
	return send()
}

// nodeLink adapts an *rns.Link to linkqueue.Link. Status is tracked via the
// established/closed callbacks passed to rns.NewOutgoingLink, since the
// link object itself exposes lifecycle only through those callbacks and
// the LinkID field (see rns.TransportActiveLinks).
type nodeLink struct {
	link   *rns.Link
	status int32 // linkqueue.LinkStatus, atomic
}

func (l *nodeLink) Status() linkqueue.LinkStatus {
	return linkqueue.LinkStatus(atomic.LoadInt32(&l.status))
}

// DataPacket builds a thunk that sends text as a request over the link's
// delivery path, in the same shape the attachment/profile request flows use.
func (l *nodeLink) DataPacket(text string) (any, error) {
	link := l.link
	payload := map[any]any{"text": text}
	send := func() error {
		rr := link.Request(chatMessagePath, payload, nil, nil, nil, 0)
		if rr == nil {
			return errors.New("linkqueue: chat request send failed")
		}
		return nil
	}
	return send, nil
}

// chatMessagePath is the Link.Request path used for queued chat delivery.
const chatMessagePath = "chat.message"

// persistentIdentityDirName and persistentIdentityFileName fix the identity
// location described for the host build: a 128-character hex string (the
// identity's two 32-byte keys concatenated) under a dotfile directory in
// the user's home, mirroring the flash-backed key-value slot the ESP32
// build uses for the same bytes.
const (
	persistentIdentityDirName  = ".reticulum-rs-esp32"
	persistentIdentityFileName = "identity.hex"
)

// loadOrCreatePersistentIdentity loads the node's identity from
// $HOME/.reticulum-rs-esp32/identity.hex, generating and persisting a fresh
// one on first boot. The write path stages the identity through
// rns.Identity.Save (which serializes the raw 64-byte key pair), hex-encodes
// it into the fixed-width form, writes it, then reads the file back and
// byte-compares it against what was written. Any mismatch is fatal: a
// corrupted identity store is worse than refusing to start.
func loadOrCreatePersistentIdentity() (*rns.Identity, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, persistentIdentityDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	hexPath := filepath.Join(dir, persistentIdentityFileName)

	if _, err := os.Stat(hexPath); err == nil {
		return loadPersistentIdentityHex(hexPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat identity file: %w", err)
	}

	id, err := rns.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	rawPath := filepath.Join(dir, ".identity.raw")
	if err := id.Save(rawPath); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	raw, err := os.ReadFile(rawPath)
	_ = os.Remove(rawPath)
	if err != nil {
		return nil, fmt.Errorf("read generated identity: %w", err)
	}

	encoded := hex.EncodeToString(raw)
	if len(encoded) != 128 {
		return nil, fmt.Errorf("identity key material is %d bytes, want 64", len(raw))
	}
	if err := os.WriteFile(hexPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}

	readBack, err := os.ReadFile(hexPath)
	if err != nil {
		return nil, fmt.Errorf("read back identity file: %w", err)
	}
	if string(readBack) != encoded {
		return nil, fmt.Errorf("identity persistence verification failed: %s does not match the identity just written", hexPath)
	}

	return id, nil
}

// loadPersistentIdentityHex decodes the 128-character hex identity at
// hexPath back into raw key bytes, stages them through a throwaway file
// (the only path rns.IdentityFromFile accepts), and loads the identity.
func loadPersistentIdentityHex(hexPath string) (*rns.Identity, error) {
	encoded, err := os.ReadFile(hexPath)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	trimmed := strings.TrimSpace(string(encoded))
	if len(trimmed) != 128 {
		return nil, fmt.Errorf("identity file %s holds %d hex characters, want 128", hexPath, len(trimmed))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode identity hex: %w", err)
	}

	rawPath := filepath.Join(filepath.Dir(hexPath), ".identity.raw")
	if err := os.WriteFile(rawPath, raw, 0o600); err != nil {
		return nil, fmt.Errorf("stage identity for load: %w", err)
	}
	defer os.Remove(rawPath)

	id, err := rns.IdentityFromFile(rawPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

func Start(opts Options) (*Node, error) {
	if opts.Dir == "" {
		opts.Dir = ".runcore"
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = 4
	}
	if opts.LogDest == nil {
		opts.LogDest = rns.LOG_STDOUT
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runcore dir: %w", err)
	}
	if _, err := EnsureLXMDConfigWithDisplayName(opts.Dir, opts.DisplayName); err != nil {
		return nil, fmt.Errorf("ensure lxmd config: %w", err)
	}
	storageDir := filepath.Join(opts.Dir, "storage")
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if opts.ResetLXMFState {
		_ = os.RemoveAll(filepath.Join(storageDir, "ratchets"))
	}

	appCfg, err := appconfig.Load(opts.AppConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}

	rnsConfigDir, err := prepareRNSConfigDir(opts, appCfg)
	if err != nil {
		return nil, err
	}
	var rnsCfg *string = &rnsConfigDir
	level := opts.LogLevel
	ret, err := rns.NewReticulum(rnsCfg, &level, opts.LogDest, nil, false, nil)
	if err != nil {
		return nil, err
	}

	id, err := loadOrCreatePersistentIdentity()
	if err != nil {
		return nil, err
	}

	router, err := lxmf.NewLXMRouter(id, storageDir)
	if err != nil {
		return nil, fmt.Errorf("start lxmf router: %w", err)
	}

	delivery := router.RegisterDeliveryIdentity(id, opts.DisplayName, opts.DeliveryStampCost)
	if delivery == nil {
		return nil, errors.New("register delivery identity failed")
	}

	announceCache, err := routing.NewAnnounceCache(routing.DefaultAnnounceCacheConfig())
	if err != nil {
		return nil, fmt.Errorf("create announce cache: %w", err)
	}
	pathTable, err := routing.NewPathTable(routing.DefaultPathTableConfig())
	if err != nil {
		return nil, fmt.Errorf("create path table: %w", err)
	}
	metricsCollector := metrics.NewCollector(nil)

	n := &Node{
		opts:            opts,
		reticulum:       ret,
		identity:        id,
		router:          router,
		deliveryDestIn:  delivery,
		storageDir:      storageDir,
		displayName:     opts.DisplayName,
		announceCache:   announceCache,
		announceDisplay: make(map[routing.AnnounceHash]AnnounceEntry),
		appConfig:       appCfg,
		metrics:         metricsCollector,
		pathTable:       pathTable,
		ifaceOfflineAt:  make(map[string]time.Time),
		startedAt:       time.Now(),
	}
	n.linkQ = linkqueue.NewCore(&nodeEngine{node: n}, metricsCollector)
	n.announceStop = make(chan struct{})

	if err := n.registerChatRequestHandler(delivery); err != nil {
		return nil, fmt.Errorf("register chat request handler: %w", err)
	}
	n.initAnnounceHandler()
	router.RegisterDeliveryCallback(func(m *lxmf.LXMessage) {
		if n.onInbound != nil && m != nil {
			n.onInbound(m)
		}
	})

	n.startEventLoop(appCfg)
	n.startInterfaceWatchdog()
	n.startStatsServer(appCfg.Metrics.Addr)
	n.AnnounceDeliveryWithReason("startup")
	return n, nil
}

// startEventLoop constructs the three channels linkqueue.Core.Run selects
// over and runs it under a supervising errgroup, per the single
// selector-loop design: reannounce and sweep both live inside Run's own
// tickers now, so nothing else on the Node schedules them.
func (n *Node) startEventLoop(appCfg *appconfig.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	n.loopCancel = cancel
	g, _ := errgroup.WithContext(ctx)
	n.loopGroup = g

	n.announceCh = make(chan linkqueue.Announce, 32)
	n.inboundLinkCh = make(chan linkqueue.LinkEvent, 32)
	n.outboundLinkCh = make(chan linkqueue.LinkEvent, 32)

	cb := linkqueue.Callbacks{
		OnAnnounce:       n.dispatchAnnounce,
		OnReannounce:     func() { n.AnnounceDeliveryWithReason("periodic") },
		AnnounceInterval: appCfg.Timing.AnnounceInterval,
		SweepInterval:    appCfg.Timing.SweepInterval,
	}
	g.Go(func() error {
		return n.linkQ.Run(ctx, n.announceCh, n.inboundLinkCh, n.outboundLinkCh, cb)
	})
}

func (n *Node) Reticulum() *rns.Reticulum { return n.reticulum }
func (n *Node) Identity() *rns.Identity   { return n.identity }
func (n *Node) Router() *lxmf.LXMRouter   { return n.router }
func (n *Node) DeliveryDestination() *rns.Destination {
	return n.deliveryDestIn
}
func (n *Node) ConfigDir() string { return n.opts.Dir }

// InterfaceStatsJSON returns JSON-encoded Reticulum interface stats (mirrors rns.GetInterfaceStats()).
func (n *Node) InterfaceStatsJSON() string {
	if n == nil || n.reticulum == nil {
		return `{"interfaces":[],"error":"reticulum not started"}`
	}
	stats := n.reticulum.GetInterfaceStats()
	// Ensure stable shape for consumers (UI expects `interfaces`).
	if _, ok := stats["interfaces"]; !ok {
		stats["interfaces"] = []any{}
	}
	if len(stats) == 1 { // only `interfaces` inserted above
		stats["error"] = "no interface stats available"
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return `{"interfaces":[],"error":"marshal failed"}`
	}
	return string(b)
}

type configuredInterfaceEntry struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Enabled bool   `json:"enabled"`
}

// ConfiguredInterfacesJSON returns interfaces from the Reticulum config file (including disabled ones).
func (n *Node) ConfiguredInterfacesJSON() string {
	if n == nil || n.reticulum == nil || n.reticulum.ConfigPath == "" {
		return `{"interfaces":[],"error":"reticulum not started"}`
	}
	cfg, err := configobj.Load(n.reticulum.ConfigPath)
	if err != nil {
		return `{"interfaces":[],"error":"failed to load reticulum config"}`
	}
	if !cfg.HasSection("interfaces") {
		return `{"interfaces":[]}`
	}
	sec := cfg.Section("interfaces")
	names := sec.Sections()
	sort.Strings(names)
	out := make([]configuredInterfaceEntry, 0, len(names))
	for _, name := range names {
		s := sec.Subsection(name)
		typ, _ := s.Get("type")
		enabled := false
		if v, ok := s.Get("interface_enabled"); ok {
			enabled = parseTruthyString(v)
		} else if v, ok := s.Get("enabled"); ok {
			enabled = parseTruthyString(v)
		} else if v, ok := s.Get("enable"); ok {
			enabled = parseTruthyString(v)
		}
		out = append(out, configuredInterfaceEntry{Name: name, Type: typ, Enabled: enabled})
	}
	resp := map[string]any{"interfaces": out}
	b, _ := json.Marshal(resp)
	return string(b)
}

func parseTruthyString(s string) bool {
	switch normalizeBoolToken(s) {
	case "1", "y", "yes", "true", "on":
		return true
	default:
		return false
	}
}

func normalizeBoolToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Close persists LXMF state. Reticulum is a singleton in go-reticulum and has no per-instance shutdown.
func (n *Node) Close() error {
	if n == nil {
		return nil
	}
	if n.announceStop != nil {
		n.announceStopOnce.Do(func() { close(n.announceStop) })
	}
	if n.loopCancel != nil {
		n.loopCancel()
	}
	if n.loopGroup != nil {
		done := make(chan struct{})
		go func() { _ = n.loopGroup.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	if n.httpServer != nil {
		_ = n.httpServer.Close()
	}
	if n.router != nil {
		n.router.ExitHandler()
	}
	if n.announceHandler != nil {
		rns.DeregisterAnnounceHandler(n.announceHandler)
		n.announceHandler = nil
	}
	return nil
}

// SetInterfaceEnabled updates the Reticulum config and halts/resumes the interface by name.
// Name must match the interface section name under [interfaces] (eg "Default Interface").
func (n *Node) SetInterfaceEnabled(name string, enabled bool) error {
	if n == nil || n.reticulum == nil || n.reticulum.ConfigPath == "" {
		return errors.New("reticulum not started")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing interface name")
	}

	cfg, err := configobj.Load(n.reticulum.ConfigPath)
	if err != nil {
		return fmt.Errorf("load reticulum config: %w", err)
	}
	if !cfg.HasSection("interfaces") {
		cfg.Section("interfaces")
	}
	ifcSec := cfg.Section("interfaces").Subsection(name)
	ifcSec.Set("interface_enabled", ternaryString(enabled, "Yes", "No"))
	if err := cfg.Save(n.reticulum.ConfigPath); err != nil {
		return fmt.Errorf("save reticulum config: %w", err)
	}

	// Apply without restart when possible.
	if enabled {
		// Reload is more robust than Resume() here:
		// - works even if the interface is already running (reconnects TCP client interfaces)
		// - re-creates the driver instance after a halt/resume toggle
		return n.reticulum.ReloadInterface(name)
	}
	return n.reticulum.HaltInterface(name)
}

func ternaryString(cond bool, t, f string) string {
	if cond {
		return t
	}
	return f
}

// Restart restarts the LXMF router/delivery destination while keeping the Reticulum singleton.
// This is used by UI clients to re-announce (and to apply any lxmf-side config changes).
func (n *Node) Restart() error {
	if n == nil {
		return errors.New("node not started")
	}
	if n.identity == nil {
		return errors.New("identity missing")
	}
	if n.storageDir == "" {
		n.storageDir = filepath.Join(n.opts.Dir, "storage")
	}

	if n.router != nil {
		n.router.ExitHandler()
		n.router = nil
		n.deliveryDestIn = nil
	}

	router, err := lxmf.NewLXMRouter(n.identity, n.storageDir)
	if err != nil {
		return fmt.Errorf("start lxmf router: %w", err)
	}
	delivery := router.RegisterDeliveryIdentity(n.identity, n.displayName, n.opts.DeliveryStampCost)
	if delivery == nil {
		router.ExitHandler()
		return errors.New("register delivery identity failed")
	}

	n.router = router
	n.deliveryDestIn = delivery

	if err := n.registerChatRequestHandler(delivery); err != nil {
		router.ExitHandler()
		n.router = nil
		n.deliveryDestIn = nil
		return fmt.Errorf("register chat request handler: %w", err)
	}

	router.RegisterDeliveryCallback(func(m *lxmf.LXMessage) {
		if n.onInbound != nil && m != nil {
			n.onInbound(m)
		}
	})

	// Best-effort re-announce on restart.
	n.AnnounceDeliveryWithReason("restart")
	return nil
}

func (n *Node) SetInboundHandler(cb func(*lxmf.LXMessage)) {
	n.onInbound = cb
}

func (n *Node) DestinationHashHex() string {
	if n.deliveryDestIn == nil {
		return ""
	}
	return hex.EncodeToString(n.deliveryDestIn.Hash())
}

type SendOptions struct {
	Method        byte
	IncludeTicket bool
	StampCost     *int
	Fields        map[any]any
	Title         string
	Content       string
}

func (n *Node) SendHex(destinationHashHex string, msg SendOptions) (*lxmf.LXMessage, error) {
	if n == nil || n.router == nil || n.deliveryDestIn == nil {
		return nil, errors.New("node not started")
	}
	if msg.Method == 0 {
		msg.Method = lxmf.MethodOpportunistic
	}
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return nil, fmt.Errorf("decode destination hash: %w", err)
	}
	if len(destHash) != lxmf.DestinationLength {
		return nil, fmt.Errorf("invalid destination hash length: got %d want %d", len(destHash), lxmf.DestinationLength)
	}

	var remoteIdentity *rns.Identity
	if bytes.Equal(destHash, n.deliveryDestIn.Hash()) {
		remoteIdentity = n.identity
	} else {
		remoteIdentity = rns.IdentityRecall(destHash)
	}
	if remoteIdentity == nil {
		return nil, errors.New("unknown destination identity (need an announce from the peer before you can send)")
	}
	outDest, err := rns.NewDestination(remoteIdentity, rns.DestinationOUT, rns.DestinationSINGLE, lxmf.AppName, "delivery")
	if err != nil {
		return nil, fmt.Errorf("create outbound destination: %w", err)
	}

	lxm, err := lxmf.NewLXMessage(outDest, n.deliveryDestIn, msg.Content, msg.Title, msg.Fields, msg.Method, nil, nil, msg.StampCost, msg.IncludeTicket)
	if err != nil {
		return nil, err
	}

	// Special-case: allow "send to self" even when there are no Reticulum interfaces.
	// We loop the message back into the router as an inbound delivery.
	if bytes.Equal(destHash, n.deliveryDestIn.Hash()) {
		if err := lxm.Pack(false); err != nil {
			return nil, err
		}
		ok := n.router.LXMDelivery(lxm.Packed, rns.DestinationSINGLE, nil, nil, msg.Method, true, false)
		if !ok {
			return nil, errors.New("local loopback delivery failed")
		}
		return lxm, nil
	}

	n.router.HandleOutbound(lxm)
	return lxm, nil
}

func (n *Node) startInterfaceWatchdog() {
	if n == nil {
		return
	}
	// Watchdog: iOS can leave sockets half-dead after suspend/resume.
	// If all enabled interfaces remain offline for a short window, we hard-reset
	// enabled interfaces (halt+resume) to recreate sockets.
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				n.maybeResetInterfacesOnStall("watchdog")
			case <-n.announceStop:
				return
			}
		}
	}()
}

func (n *Node) maybeResetInterfacesOnStall(reason string) {
	if n == nil || n.reticulum == nil {
		return
	}
	enabledCfg := n.enabledInterfaceConfigs()
	if len(enabledCfg) == 0 {
		return
	}
	statusByShort, statusByName := n.interfaceOnlineMaps()

	now := time.Now()
	anyOnline := false
	longestOffline := time.Duration(0)

	n.ifaceStateMu.Lock()
	if n.ifaceOfflineAt == nil {
		n.ifaceOfflineAt = make(map[string]time.Time)
	}
	for _, cfg := range enabledCfg {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			continue
		}
		on := false
		if v, ok := statusByShort[name]; ok {
			on = v
		} else if v, ok := statusByName[name]; ok {
			on = v
		}
		if on {
			anyOnline = true
			delete(n.ifaceOfflineAt, name)
			continue
		}
		start, ok := n.ifaceOfflineAt[name]
		if !ok {
			n.ifaceOfflineAt[name] = now
			start = now
		}
		d := now.Sub(start)
		if d > longestOffline {
			longestOffline = d
		}
	}
	lastReset := n.lastIfaceReset
	n.ifaceStateMu.Unlock()

	// Trigger reset only if *everything enabled* is offline for a bit.
	if anyOnline {
		return
	}
	if longestOffline < 6*time.Second {
		return
	}
	if !lastReset.IsZero() && time.Since(lastReset) < 12*time.Second {
		return
	}

	n.ifaceStateMu.Lock()
	n.lastIfaceReset = time.Now()
	n.ifaceStateMu.Unlock()
	rns.Logf(rns.LOG_DEBUG, "%s: watchdog triggering interface reset (offline_for=%s)", reason, longestOffline)
	n.resetEnabledInterfaces(reason)
}

func (n *Node) AnnounceDelivery() {
	if n == nil || n.router == nil || n.deliveryDestIn == nil {
		return
	}
	n.AnnounceDeliveryWithReason("manual")
}

func (n *Node) AnnounceDeliveryWithReason(reason string) {
	if n == nil || n.router == nil || n.deliveryDestIn == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}

	if !atomic.CompareAndSwapInt32(&n.announceInFlight, 0, 1) {
		atomic.StoreInt32(&n.announceQueued, 1)
		return
	}

	stopCh := n.announceStop
	destHex := hex.EncodeToString(n.deliveryDestIn.Hash())

	// Announce can happen early (before interfaces are online) and produces noisy
	// "No interfaces could process the outbound packet" logs. We wait briefly for
	// usable connectivity. If TCP is enabled, we prefer waiting for TCP to be online,
	// but we will still announce over any online enabled interface after a short
	// grace period. (AutoInterface can be unreliable on some networks.)
	go func() {
		// On mobile suspend/resume, sockets can end up half-dead (looks connected but
		// no traffic flows). For iOS we do a hard interface reset: halt all enabled
		// interfaces and bring them up again before we announce.
		if reason == "resume" {
			n.resetEnabledInterfaces(reason)
		}

		deadline := time.Now().Add(20 * time.Second)
		preferDeadline := time.Now().Add(6 * time.Second)
		for {
			if stopCh != nil {
				select {
				case <-stopCh:
					atomic.StoreInt32(&n.announceInFlight, 0)
					return
				default:
				}
			}

			ready, _, _, _ := n.announceReady(preferDeadline)
			if ready {
				// Require a brief stable window (TCP can flap right after connect).
				time.Sleep(1 * time.Second)
				ready2, _, _, _ := n.announceReady(time.Now())
				if ready2 {
					break
				}
			}
			if time.Now().After(deadline) {
				_, enabled, online, offline := n.announceReady(time.Now())
				if len(enabled) == 0 {
					rns.Logf(rns.LOG_NOTICE, "Announce tx dest=%s reason=%s skipped=no_enabled_interfaces", destHex, reason)
				} else {
					rns.Logf(rns.LOG_NOTICE, "Announce tx dest=%s reason=%s skipped=no_usable_interfaces enabled=%s online=%s offline=%s",
						destHex, reason,
						strings.Join(enabled, ","),
						strings.Join(online, ","),
						strings.Join(offline, ","),
					)
				}
				atomic.StoreInt32(&n.announceInFlight, 0)
				return
			}
			time.Sleep(500 * time.Millisecond)
		}

		_, enabled, online, offline := n.announceReady(time.Now())
		if len(enabled) > 0 {
			rns.Logf(rns.LOG_NOTICE, "Announce tx dest=%s reason=%s enabled=%s online=%s offline=%s",
				destHex, reason,
				strings.Join(enabled, ","),
				strings.Join(online, ","),
				strings.Join(offline, ","),
			)
		} else {
			rns.Logf(rns.LOG_NOTICE, "Announce tx dest=%s reason=%s", destHex, reason)
		}

		// Do not rely on lxmf.Router.GetAnnounceAppData() here because it reads
		// unexported internal config. We generate the announce app-data ourselves,
		// matching lxmf.Router.GetAnnounceAppData() format.
		appData := n.announceAppData()

		pkt := n.deliveryDestIn.Announce(appData, false, nil, nil, false)
		if pkt != nil {
			_ = pkt.Send()
		}

		atomic.StoreInt32(&n.announceInFlight, 0)
		if atomic.SwapInt32(&n.announceQueued, 0) == 1 {
			n.AnnounceDeliveryWithReason("queued")
		}
	}()
}

// kickEnabledInterfaces force-reloads enabled interfaces. This is mainly a resilience
// measure for mobile suspend/resume where sockets can become half-open.
func (n *Node) kickEnabledInterfaces() {
	if n == nil || n.reticulum == nil {
		return
	}
	enabledCfg := n.enabledInterfaceConfigs()
	if len(enabledCfg) == 0 {
		return
	}

	statusByShort, statusByName := n.interfaceOnlineMaps()

	for _, cfg := range enabledCfg {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			continue
		}
		typ := strings.ToLower(strings.TrimSpace(cfg.Type))
		isTCP := strings.Contains(typ, "tcp")

		on := false
		if v, ok := statusByShort[name]; ok {
			on = v
		} else if v, ok := statusByName[name]; ok {
			on = v
		}

		// Always kick TCP on resume; kick others only if currently offline.
		if !isTCP && on {
			continue
		}
		if err := n.reticulum.ReloadInterface(name); err != nil {
			rns.Logf(rns.LOG_DEBUG, "resume: reload interface failed name=%s err=%v", name, err)
			continue
		}
		rns.Logf(rns.LOG_DEBUG, "resume: reloaded interface name=%s", name)
	}
}

func (n *Node) resetEnabledInterfaces(reason string) {
	if n == nil || n.reticulum == nil {
		return
	}
	// Serialize resets; we do not want concurrent resume events to flap interfaces.
	n.networkResetMu.Lock()
	defer n.networkResetMu.Unlock()

	enabled := n.enabledInterfaceConfigs()
	if len(enabled) == 0 {
		rns.Logf(rns.LOG_DEBUG, "%s: interface reset skipped (no enabled interfaces)", reason)
		return
	}

	names := make([]string, 0, len(enabled))
	for _, cfg := range enabled {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		rns.Logf(rns.LOG_DEBUG, "%s: interface reset skipped (no valid names)", reason)
		return
	}

	rns.Logf(rns.LOG_DEBUG, "%s: interface reset begin enabled=%s", reason, strings.Join(names, ","))

	// Halt first (best-effort). This tears down sockets and stops per-interface goroutines.
	for _, name := range names {
		if err := n.reticulum.HaltInterface(name); err != nil {
			rns.Logf(rns.LOG_DEBUG, "%s: halt interface failed name=%s err=%v", reason, name, err)
		} else {
			rns.Logf(rns.LOG_DEBUG, "%s: halted interface name=%s", reason, name)
		}
	}

	// Small grace period to let the OS release sockets after suspend.
	time.Sleep(400 * time.Millisecond)

	// Resume in original order (best-effort).
	for _, name := range names {
		if err := n.reticulum.ResumeInterface(name); err != nil {
			rns.Logf(rns.LOG_DEBUG, "%s: resume interface failed name=%s err=%v", reason, name, err)
		} else {
			rns.Logf(rns.LOG_DEBUG, "%s: resumed interface name=%s", reason, name)
		}
	}

	rns.Logf(rns.LOG_DEBUG, "%s: interface reset end", reason)
}

func (n *Node) announceReady(preferDeadline time.Time) (bool, []string, []string, []string) {
	enabledCfg := n.enabledInterfaceConfigs()
	if len(enabledCfg) == 0 {
		if n.hasAnyOnlineInterface() {
			return true, nil, nil, nil
		}
		return false, nil, nil, nil
	}

	statusByShort, statusByName := n.interfaceOnlineMaps()
	enabled := make([]string, 0, len(enabledCfg))
	online := make([]string, 0, len(enabledCfg))
	offline := make([]string, 0, len(enabledCfg))

	hasTCPEnabled := false
	hasTCPOnline := false

	for _, cfg := range enabledCfg {
		name := cfg.Name
		enabled = append(enabled, name)

		typ := strings.ToLower(strings.TrimSpace(cfg.Type))
		isTCP := strings.Contains(typ, "tcp")
		if isTCP {
			hasTCPEnabled = true
		}

		on := false
		if v, ok := statusByShort[name]; ok {
			on = v
		} else if v, ok := statusByName[name]; ok {
			on = v
		}
		if on {
			online = append(online, name)
			if isTCP {
				hasTCPOnline = true
			}
		} else {
			offline = append(offline, name)
		}
	}

	if len(online) == 0 {
		return false, enabled, online, offline
	}

	// Prefer waiting for TCP if enabled (it is usually the path to the wider network).
	if hasTCPEnabled && !hasTCPOnline && time.Now().Before(preferDeadline) {
		return false, enabled, online, offline
	}

	return true, enabled, online, offline
}

func (n *Node) enabledInterfaceConfigs() []configuredInterfaceEntry {
	if n == nil || n.reticulum == nil || n.reticulum.ConfigPath == "" {
		return nil
	}
	cfg, err := configobj.Load(n.reticulum.ConfigPath)
	if err != nil {
		return nil
	}
	if !cfg.HasSection("interfaces") {
		return nil
	}
	sec := cfg.Section("interfaces")
	names := sec.Sections()
	sort.Strings(names)

	out := make([]configuredInterfaceEntry, 0, len(names))
	for _, name := range names {
		s := sec.Subsection(name)
		typ, _ := s.Get("type")
		enabled := false
		if v, ok := s.Get("interface_enabled"); ok {
			enabled = parseTruthyString(v)
		} else if v, ok := s.Get("enabled"); ok {
			enabled = parseTruthyString(v)
		} else if v, ok := s.Get("enable"); ok {
			enabled = parseTruthyString(v)
		}
		if enabled {
			out = append(out, configuredInterfaceEntry{Name: name, Type: typ, Enabled: true})
		}
	}
	return out
}

func (n *Node) interfaceOnlineMaps() (map[string]bool, map[string]bool) {
	statusByShort := map[string]bool{}
	statusByName := map[string]bool{}
	if n == nil || n.reticulum == nil {
		return statusByShort, statusByName
	}
	stats := n.reticulum.GetInterfaceStats()
	raw := stats["interfaces"]
	if raw == nil {
		return statusByShort, statusByName
	}

	extract := func(entry map[string]any) {
		var (
			short string
			name  string
		)
		if v, ok := entry["short_name"].(string); ok {
			short = strings.TrimSpace(v)
		}
		if v, ok := entry["name"].(string); ok {
			name = strings.TrimSpace(v)
		}
		status, _ := entry["status"].(bool)
		if short != "" {
			statusByShort[short] = status
		}
		if name != "" {
			statusByName[name] = status
		}
	}

	switch v := raw.(type) {
	case []map[string]any:
		for _, entry := range v {
			extract(entry)
		}
	case []any:
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			extract(entry)
		}
	}
	return statusByShort, statusByName
}

func (n *Node) hasAnyOnlineInterface() bool {
	if n == nil || n.reticulum == nil {
		return false
	}
	statusByShort, statusByName := n.interfaceOnlineMaps()
	for _, v := range statusByShort {
		if v {
			return true
		}
	}
	for _, v := range statusByName {
		if v {
			return true
		}
	}
	return false
}

// SetDisplayName updates LXMF announce app-data (display_name) for this node.
// Call AnnounceDelivery() after setting to broadcast changes.
func (n *Node) SetDisplayName(name string) error {
	if n == nil || n.deliveryDestIn == nil {
		return errors.New("node not started")
	}
	n.displayName = name
	// Keep on-disk config in sync with the profile name for UI/diagnostics.
	_ = UpdateLXMFDisplayName(n.opts.Dir, name)
	return nil
}

// announceAppData builds the LXMF announce app-data payload:
// msgpack([display_name_bytes, stamp_cost?]), matching
// lxmf.Router.GetAnnounceAppData()'s wire shape.
func (n *Node) announceAppData() []byte {
	var displayNameBytes []byte
	if n.displayName != "" {
		displayNameBytes = []byte(n.displayName)
	}
	var stampCost any
	if n.opts.DeliveryStampCost != nil && *n.opts.DeliveryStampCost > 0 && *n.opts.DeliveryStampCost < 255 {
		stampCost = *n.opts.DeliveryStampCost
	}

	data, err := umsgpack.Packb([]any{displayNameBytes, stampCost})
	if err != nil {
		return nil
	}
	return data
}

func (n *Node) WaitForIdentityHex(destinationHashHex string, timeout time.Duration) (*rns.Identity, error) {
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return nil, fmt.Errorf("decode destination hash: %w", err)
	}
	if len(destHash) != lxmf.DestinationLength {
		return nil, fmt.Errorf("invalid destination hash length: got %d want %d", len(destHash), lxmf.DestinationLength)
	}

	// Fast-path: allow "send to self" without requiring any announce/recall.
	if n != nil && n.deliveryDestIn != nil && bytes.Equal(destHash, n.deliveryDestIn.Hash()) {
		if n.identity != nil {
			return n.identity, nil
		}
	}

	// If we don't have the identity yet, try querying the network for a path/identity.
	// This makes "add contact by hash → send" work without requiring a prior announce.
	if rns.IdentityRecall(destHash) == nil {
		rns.TransportRequestPath(destHash)
	}

	deadline := time.Now().Add(timeout)
	for {
		if id := rns.IdentityRecall(destHash); id != nil {
			return id, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, errors.New("timeout waiting for destination identity")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func prepareRNSConfigDir(opts Options, appCfg *appconfig.Config) (string, error) {
	if opts.RNSConfigDir != "" {
		return opts.RNSConfigDir, nil
	}

	cfgDir := filepath.Join(opts.Dir, "rns")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return "", fmt.Errorf("create rns config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "config")

	template := []byte(defaultInlineRNSConfig(opts.LogLevel, appCfg))

	if opts.ResetRNSConfig {
		if err := os.WriteFile(cfgPath, template, 0o644); err != nil {
			return "", fmt.Errorf("overwrite rns config: %w", err)
		}
		_ = ensureRNSAutoInterfaceDefaults(cfgPath)
		return cfgDir, nil
	}

	if _, err := os.Stat(cfgPath); err == nil {
		// Config exists: treat it as user-owned; only fill missing defaults.
		_ = ensureRNSAutoInterfaceDefaults(cfgPath)
		return cfgDir, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat rns config: %w", err)
	}

	if err := os.WriteFile(cfgPath, template, 0o644); err != nil {
		return "", fmt.Errorf("write rns config: %w", err)
	}
	_ = ensureRNSAutoInterfaceDefaults(cfgPath)

	return cfgDir, nil
}

// ensureRNSAutoInterfaceDefaults fills in safe defaults for the generated AutoInterface
// without clobbering explicit user config.
func ensureRNSAutoInterfaceDefaults(cfgPath string) error {
	cfg, err := configobj.Load(cfgPath)
	if err != nil {
		return err
	}
	if !cfg.HasSection("interfaces") {
		return nil
	}
	ifc := cfg.Section("interfaces").Subsection("Default Interface")
	typ, _ := ifc.Get("type")
	if !strings.EqualFold(strings.TrimSpace(typ), "AutoInterface") {
		return nil
	}
	changed := false
	if v, ok := ifc.Get("devices"); !ok || strings.TrimSpace(v) == "" {
		devs := autoInterfaceDefaultDevices()
		if len(devs) > 0 {
			ifc.Set("devices", strings.Join(devs, ", "))
			changed = true
		}
	} else {
		// Some environments (notably Mac Catalyst with VPNs) expose many virtual interfaces
		// (eg. utun*, awdl0) that tend to break multicast discovery. If the user config
		// already pins devices, sanitize the list by removing obviously-bad defaults.
		parts := strings.Split(v, ",")
		filtered := make([]string, 0, len(parts))
		for _, p := range parts {
			name := strings.TrimSpace(p)
			if name == "" {
				continue
			}
			if strings.HasPrefix(name, "utun") || name == "awdl0" {
				continue
			}
			filtered = append(filtered, name)
		}
		if len(filtered) == 0 {
			filtered = autoInterfaceDefaultDevices()
		}
		normalized := strings.Join(filtered, ", ")
		if strings.TrimSpace(normalized) != strings.TrimSpace(v) && normalized != "" {
			ifc.Set("devices", normalized)
			changed = true
		}
	}
	if v, ok := ifc.Get("ingress_control"); !ok || strings.TrimSpace(v) == "" {
		ifc.Set("ingress_control", "no")
		changed = true
	}
	if !changed {
		return nil
	}
	return cfg.Save(cfgPath)
}

func autoInterfaceDefaultDevices() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]string, 0, 4)
	seen := map[string]bool{}
	for _, nif := range ifaces {
		if (nif.Flags & net.FlagUp) == 0 {
			continue
		}
		name := strings.TrimSpace(nif.Name)
		if name == "" || seen[name] {
			continue
		}

		// Conservative allowlist: typical Wi‑Fi/Ethernet names across platforms.
		// If nothing matches, we fall back to AutoInterface's own behaviour.
		switch {
		case strings.HasPrefix(name, "en"), // macOS/iOS
			strings.HasPrefix(name, "eth"),    // linux
			strings.HasPrefix(name, "wlan"),   // linux
			strings.HasPrefix(name, "wlp"),    // linux (systemd)
			strings.HasPrefix(name, "wl"),     // some BSDs
			strings.HasPrefix(name, "pdp_ip"): // iOS cellular
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func defaultInlineRNSConfig(logLevel int, appCfg *appconfig.Config) string {
	if logLevel < 0 {
		logLevel = 0
	}
	if logLevel > 7 {
		logLevel = 7
	}
	base := fmt.Sprintf(`[reticulum]
	enable_transport = False
	share_instance = False
	instance_name = default

	[logging]
	loglevel = %d

	[interfaces]
	  [[Default Interface]]
	    type = AutoInterface
	    interface_enabled = Yes
	    ingress_control = no

	  [[TCP Client Interface]]
	    type = TCPClientInterface
	    interface_enabled = Yes
	    target_host = reticulum.betweentheborders.com
	    target_port = 4242
	`, logLevel)

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString(loraInterfaceSection(appCfg))
	sb.WriteString(bleInterfaceSection(appCfg))
	return sb.String()
}

// loraInterfaceSection renders the [[LoRa Interface]] subsection from the
// node's region and duty-cycle/CSMA tunables. Frequency and the regulatory
// duty-cycle ceiling come from lora.LookupRegion; modulation parameters
// (bandwidth/spreading-factor/coding-rate) come from lora.DefaultParams,
// the same Reticulum/RNode defaults the airtime calculator assumes.
// Nothing here overrides a region's legal duty cycle, only the operational
// tunables layered on top of it (CSMA backoff/retry are this node's own
// airtime discipline, not a regulatory figure).
func loraInterfaceSection(appCfg *appconfig.Config) string {
	if appCfg == nil || !appCfg.LoRa.Enabled {
		return ""
	}
	region, err := lora.LookupRegion(lora.Region(appCfg.Region))
	if err != nil {
		return ""
	}
	mod := lora.DefaultParams()
	return fmt.Sprintf(`
	  [[LoRa Interface]]
	    type = LoRaInterface
	    interface_enabled = Yes
	    region = %s
	    frequency = %d
	    bandwidth = %d
	    spreading_factor = %d
	    coding_rate = %d
	    duty_cycle_percent = %g
	    csma_rssi_threshold_dbm = %d
	    csma_max_retries = %d
	    csma_min_backoff_ms = %d
	    csma_max_backoff_ms = %d
	`, appCfg.Region, region.FrequencyHz, mod.BandwidthHz, mod.SpreadingFactor, mod.CodingRate,
		appCfg.LoRa.DutyCyclePercent, appCfg.LoRa.CsmaRSSIThreshold,
		appCfg.LoRa.CsmaMaxRetries, appCfg.LoRa.CsmaMinBackoffMS, appCfg.LoRa.CsmaMaxBackoffMS)
}

// bleServiceUUID and bleCharacteristicUUID are placeholder GATT identifiers
// for the BLE interface block; the real values are assigned once the
// firmware registers a vendor-specific service, which is out of this
// core's scope.
const (
	bleServiceUUID        = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	bleCharacteristicUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// bleInterfaceSection renders the [[BLE Interface]] subsection from the
// node's fragmentation/peer-capacity tunables.
func bleInterfaceSection(appCfg *appconfig.Config) string {
	if appCfg == nil || !appCfg.BLE.Enabled {
		return ""
	}
	return fmt.Sprintf(`
	  [[BLE Interface]]
	    type = BLEInterface
	    interface_enabled = Yes
	    service_uuid = %s
	    characteristic_uuid = %s
	    fragment_mtu = %d
	    max_pending_peers = %d
	    max_fragments = %d
	`, bleServiceUUID, bleCharacteristicUUID, appCfg.BLE.FragmentMTU, appCfg.BLE.MaxPendingPeers, appCfg.BLE.MaxFragments)
}
