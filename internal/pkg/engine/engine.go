// Package engine is the entry point of packet analysis. It owns the
// per-target root contexts and runs each packet synchronously through link
// decoding, IPv4 reassembly, the transport layer and the bound protocol
// parser.
package engine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/dns"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/ftp"
	"github.com/endorses/flowscope/internal/pkg/http"
	"github.com/endorses/flowscope/internal/pkg/icmp"
	"github.com/endorses/flowscope/internal/pkg/ipv4"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/endorses/flowscope/internal/pkg/smtp"
	"github.com/endorses/flowscope/internal/pkg/stream"
	"github.com/endorses/flowscope/internal/pkg/tcp"
	"github.com/endorses/flowscope/internal/pkg/udp"
	"github.com/google/gopacket/layers"
)

// Direction is the upstream hint of which way a packet travelled relative
// to the target. The engine derives direction from addresses and only
// logs the hint.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionFromTarget
	DirectionToTarget
)

func (d Direction) String() string {
	switch d {
	case DirectionUnknown:
		return "unknown"
	case DirectionFromTarget:
		return "from_target"
	case DirectionToTarget:
		return "to_target"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Packet is one captured frame.
type Packet struct {
	DeviceID  string
	NetworkID string
	Data      []byte
	Timestamp time.Time
	Direction Direction
}

// Trigger is the detail of trigger_up and trigger_down events.
type Trigger struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// Config holds engine settings. Zero fields take their defaults.
type Config struct {
	LinkType LinkType

	// FlowTTL is the idle lifetime of a context.
	FlowTTL time.Duration

	IPv4 ipv4.Config
	TCP  tcp.Config

	MaxBodySize    int
	MaxDataSize    int
	MaxPayloadSize int
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		LinkType:       LinkRaw,
		FlowTTL:        constants.DefaultFlowTTL,
		IPv4:           ipv4.DefaultConfig(),
		TCP:            tcp.DefaultConfig(),
		MaxBodySize:    constants.MaxBodySize,
		MaxDataSize:    constants.MaxDataSize,
		MaxPayloadSize: constants.MaxPayloadSize,
	}
}

type rootKey struct {
	device  string
	network string
}

// Engine decodes packets into protocol events. Process may be called from
// many goroutines at once.
type Engine struct {
	config  Config
	tree    *flowtree.Tree
	emitter *event.Emitter
	metrics *metrics.Metrics
	network *ipv4.Handler

	mu    sync.Mutex
	roots map[rootKey]*flowtree.Context
}

// New creates an Engine delivering events to obs. m may be nil.
func New(config Config, obs event.Observer, m *metrics.Metrics) *Engine {
	if config.FlowTTL <= 0 {
		config.FlowTTL = constants.DefaultFlowTTL
	}
	em := event.NewEmitter(obs, m)

	streams := detector.New(stream.NewService(em, config.MaxPayloadSize))
	streams.Register(http.NewService(em, config.MaxBodySize))
	streams.Register(smtp.NewService(em, config.MaxDataSize))
	streams.Register(ftp.NewService(em))
	streams.Register(dns.NewStreamService(em))

	datagrams := detector.New(udp.NewDatagramService(em, config.MaxPayloadSize))
	datagrams.Register(dns.NewService(em))

	network := ipv4.NewHandler(config.IPv4, m)
	network.Register(layers.IPProtocolTCP, tcp.NewHandler(config.TCP, streams, em, m))
	network.Register(layers.IPProtocolUDP, udp.NewHandler(datagrams, m))
	network.Register(layers.IPProtocolICMPv4, icmp.NewHandler(em, m))

	return &Engine{
		config:  config,
		tree:    flowtree.NewTree(config.FlowTTL),
		emitter: em,
		metrics: m,
		network: network,
		roots:   make(map[rootKey]*flowtree.Context),
	}
}

// Process decodes one packet. The returned error concerns this packet
// only; the engine stays usable.
func (e *Engine) Process(pkt Packet) error {
	root := e.root(pkt.DeviceID, pkt.NetworkID, pkt.Timestamp)
	root.Touch(pkt.Timestamp)

	ip, err := network(e.config.LinkType, pkt.Data)
	if err == nil {
		err = e.network.Process(root, ip, pkt.Timestamp)
	}

	if err != nil {
		e.metrics.PacketProcessed(errs.Classify(err).String())
		logger.Debug("Packet not decoded",
			"device_id", pkt.DeviceID,
			"network_id", pkt.NetworkID,
			"direction", pkt.Direction.String(),
			"error", err)
		return err
	}
	e.metrics.PacketProcessed("ok")
	return nil
}

// TargetUp records the resolved address of a target and emits trigger_up.
func (e *Engine) TargetUp(deviceID, networkID string, addr net.IP, ts time.Time) {
	root := e.root(deviceID, networkID, ts)
	root.Touch(ts)

	trigger := targetAddress(addr)
	flowtree.SetTrigger(root, trigger)
	e.emitter.Emit(root, event.TriggerUp, ts, &Trigger{Address: trigger.String()})
	logger.Info("Target up", "device_id", deviceID, "network_id", networkID, "address", trigger.String())
}

// TargetDown emits trigger_down, still carrying the trigger address, and
// then clears it.
func (e *Engine) TargetDown(deviceID, networkID string, ts time.Time) {
	root := e.root(deviceID, networkID, ts)
	root.Touch(ts)

	info, _ := flowtree.RootOf(root)
	detail := &Trigger{}
	if !info.Trigger.IsZero() {
		detail.Address = info.Trigger.String()
	}
	e.emitter.Emit(root, event.TriggerDown, ts, detail)
	flowtree.SetTrigger(root, address.Address{})
	logger.Info("Target down", "device_id", deviceID, "network_id", networkID)
}

func targetAddress(ip net.IP) address.Address {
	if v4 := ip.To4(); v4 != nil {
		return address.IPv4(v4)
	}
	return address.New(address.ProtocolIPv6, address.PurposeNetwork, ip.To16())
}

// root returns the root context of a target, creating it on first sight.
func (e *Engine) root(deviceID, networkID string, ts time.Time) *flowtree.Context {
	key := rootKey{device: deviceID, network: networkID}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.roots[key]; ok {
		return r
	}
	r := e.tree.NewRoot(deviceID, networkID, ts)
	e.roots[key] = r
	e.metrics.ContextCreated(flowtree.KindRoot.String())
	logger.Debug("New target root", "device_id", deviceID, "network_id", networkID)
	return r
}

// Sweep removes every context that expired by now, and roots left with no
// children, no trigger and no recent traffic. It returns how many
// contexts were removed.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	roots := make(map[rootKey]*flowtree.Context, len(e.roots))
	for k, r := range e.roots {
		roots[k] = r
	}
	e.mu.Unlock()

	removed := 0
	var idle []rootKey
	for k, r := range roots {
		removed += flowtree.Prune(r, now)
		if info, _ := flowtree.RootOf(r); r.Len() == 0 && r.Expiry().Before(now) && info.Trigger.IsZero() {
			idle = append(idle, k)
		}
	}

	if len(idle) > 0 {
		e.mu.Lock()
		for _, k := range idle {
			// A packet may have revived the root since the scan.
			if r := e.roots[k]; r != nil && r.Len() == 0 && r.Expiry().Before(now) {
				delete(e.roots, k)
				removed++
			}
		}
		e.mu.Unlock()
	}

	if removed > 0 {
		logger.Debug("Swept expired contexts", "removed", removed, "roots", e.Roots())
	}
	return removed
}

// Roots returns the number of targets currently tracked.
func (e *Engine) Roots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.roots)
}

// Created returns how many contexts the engine has built.
func (e *Engine) Created() uint64 {
	return e.tree.Created()
}
