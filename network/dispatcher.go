package network

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"lanlink/logging"
	"lanlink/packet"
)

// Handler consumes packets of one type from paired devices.
type Handler interface {
	HandlePacket(deviceID string, p *packet.Packet)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(deviceID string, p *packet.Packet)

// HandlePacket calls f.
func (f HandlerFunc) HandlePacket(deviceID string, p *packet.Packet) {
	f(deviceID, p)
}

// Dispatcher routes packets by type. Types without a registered consumer go
// to the default handler, which only logs.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	logger   *zap.Logger
}

// NewDispatcher returns a dispatcher with a logging default handler.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	logger = logging.OrNop(logger)
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
	d.fallback = HandlerFunc(d.logUnhandled)
	return d
}

// Register associates packetType with h, replacing any previous consumer.
// A nil h removes the registration.
func (d *Dispatcher) Register(packetType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, packetType)
		return
	}
	d.handlers[packetType] = h
}

// SetDefault replaces the sink for unregistered types. nil restores logging.
func (d *Dispatcher) SetDefault(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		h = HandlerFunc(d.logUnhandled)
	}
	d.fallback = h
}

// Types returns the registered packet types.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for packetType := range d.handlers {
		types = append(types, packetType)
	}
	sort.Strings(types)
	return types
}

// Dispatch delivers p synchronously to its consumer.
func (d *Dispatcher) Dispatch(deviceID string, p *packet.Packet) {
	if p == nil {
		return
	}
	d.mu.RLock()
	h, ok := d.handlers[p.Type()]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()

	h.HandlePacket(deviceID, p)
}

func (d *Dispatcher) logUnhandled(deviceID string, p *packet.Packet) {
	d.logger.Debug("no consumer for packet type",
		zap.String("device_id", deviceID),
		zap.String("type", p.Type()),
		zap.Int64("id", p.ID()),
	)
}
