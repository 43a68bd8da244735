package daemon

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"ferry/internal/config"
	"ferry/internal/logging"
)

// netlinkMonitor listens for kernel uevents on network interfaces and
// reports when one of the configured interfaces appears or changes state.
// A vehicle usually only has connectivity while parked near a depot, so
// these events are the cue for an opportunistic upload.
type netlinkMonitor struct {
	logger     *slog.Logger
	handler    func(ctx context.Context, iface string)
	interfaces []string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newNetlinkMonitor returns nil when connectivity monitoring is disabled or
// no interface is configured.
func newNetlinkMonitor(cfg *config.Config, logger *slog.Logger, handler func(ctx context.Context, iface string)) *netlinkMonitor {
	if cfg == nil || !cfg.Connectivity.Enabled {
		return nil
	}
	var ifaces []string
	for _, name := range cfg.Connectivity.Interfaces {
		if name = strings.TrimSpace(name); name != "" {
			ifaces = append(ifaces, name)
		}
	}
	if len(ifaces) == 0 {
		return nil
	}
	return &netlinkMonitor{
		logger:     logging.NewComponentLogger(logger, "netlink-monitor"),
		handler:    handler,
		interfaces: ifaces,
	}
}

// Start begins listening for netlink events. Failing to open the socket is
// not fatal: scheduled uploads still run.
func (m *netlinkMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; uploads follow the schedule only", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "no opportunistic uploads on connectivity changes"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("netlink monitor started",
		logging.String(logging.FieldEventType, "netlink_monitor_started"),
		logging.String("interfaces", strings.Join(m.interfaces, ",")),
	)
	return nil
}

// Stop shuts down the monitor.
func (m *netlinkMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("netlink monitor stopped",
		logging.String(logging.FieldEventType, "netlink_monitor_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *netlinkMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *netlinkMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	events := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(events, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-events:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "connectivity changes may be missed"),
			)
		}
	}
}

// buildMatcher accepts net-subsystem events that can mean a link became usable.
func (m *netlinkMonitor) buildMatcher() netlink.Matcher {
	action := "^(add|change|move|online)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^net$",
		},
	})
	return rules
}

func (m *netlinkMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	iface := m.extractInterface(uevent)
	if iface == "" {
		m.logger.Debug("ignoring event without interface name",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}
	if !slices.Contains(m.interfaces, iface) {
		m.logger.Debug("ignoring event for unmonitored interface", logging.String("interface", iface))
		return
	}

	m.logger.Info("network interface event",
		logging.String(logging.FieldEventType, "netlink_interface_event"),
		logging.String("interface", iface),
		logging.String("action", string(uevent.Action)),
	)
	if m.handler != nil {
		m.handler(ctx, iface)
	}
}

// extractInterface reads INTERFACE, falling back to the last DEVPATH segment
// (e.g. /devices/virtual/net/wwan0).
func (m *netlinkMonitor) extractInterface(uevent netlink.UEvent) string {
	if name := uevent.Env["INTERFACE"]; name != "" {
		return name
	}
	devpath := strings.TrimRight(uevent.Env["DEVPATH"], "/")
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return parts[len(parts)-1]
}
