package modbus

import (
	"sync"
	"time"

	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/types"
)

// DefaultIdleTimeout closes pooled connections unused for this long.
const DefaultIdleTimeout = 300 * time.Second

// Conn is one pooled connection. Serial connections carry the bus mutex:
// one port hosts many slaves, and every read/write/verify sequence against
// any slave on the port must hold it for the entire sequence. The mutex is
// acquired by callers, not by the transport, because writer sequences span
// multiple operations that must be atomic on the bus.
type Conn struct {
	key       string
	transport Transport
	busMu     *sync.Mutex
	serial    bool
	lastUsed  time.Time
}

// Transport returns the wire interface.
func (c *Conn) Transport() Transport { return c.transport }

// BusMutex returns the serial bus mutex, or nil for network transports.
func (c *Conn) BusMutex() *sync.Mutex { return c.busMu }

// Pool lazily opens connections keyed by host:port for network transports
// and by serial port path for RTU-direct, and reaps idle ones.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*Conn
	busMutexes  map[string]*sync.Mutex // survive reconnects per serial port
	idleTimeout time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	// test hooks
	dial func(types.Transport) (Transport, error)
	now  func() time.Time
}

// NewPool creates a connection pool.
func NewPool() *Pool {
	return &Pool{
		conns:       make(map[string]*Conn),
		busMutexes:  make(map[string]*sync.Mutex),
		idleTimeout: DefaultIdleTimeout,
		dial:        newTransport,
		now:         time.Now,
	}
}

// Start begins the idle reaper loop. A stopped pool can be started again;
// a device service restart reuses it.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true
	p.mu.Unlock()
	go p.run()
}

// Stop stops the reaper and closes all connections.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()
	close(stop)
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conn := range p.conns {
		_ = conn.transport.Close()
		delete(p.conns, key)
	}
	metrics.ModbusConnectionsOpen.Set(0)
}

// Get returns the pooled connection for the transport, dialing on first use.
func (p *Pool) Get(t types.Transport) (*Conn, error) {
	key := t.PoolKey()

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[key]; ok {
		conn.lastUsed = p.now()
		return conn, nil
	}

	transport, err := p.dial(t)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		key:       key,
		transport: transport,
		serial:    t.Serial(),
		lastUsed:  p.now(),
	}
	if t.Serial() {
		// The bus mutex outlives the connection so an in-flight holder
		// still excludes traffic across a reconnect.
		mu, ok := p.busMutexes[key]
		if !ok {
			mu = &sync.Mutex{}
			p.busMutexes[key] = mu
		}
		conn.busMu = mu
	}

	p.conns[key] = conn
	metrics.ModbusConnectionsOpen.Set(float64(len(p.conns)))
	logger := log.WithComponent("modbus")
	logger.Debug().Str("conn", key).Msg("connection opened")
	return conn, nil
}

// Reconnect tears down the connection for a serial port. Stale serial locks
// do not self-heal, so the device service invokes this when a device on the
// port is declared unreachable; the next Get re-dials.
func (p *Pool) Reconnect(serialPort string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[serialPort]
	if !ok {
		return
	}
	_ = conn.transport.Close()
	delete(p.conns, serialPort)
	metrics.ModbusConnectionsOpen.Set(float64(len(p.conns)))
	logger := log.WithComponent("modbus")
	logger.Warn().Str("conn", serialPort).Msg("serial connection reset for reconnect")
}

func (p *Pool) run() {
	p.mu.Lock()
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-stop:
			return
		}
	}
}

// reapIdle closes connections unused beyond the idle window.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	logger := log.WithComponent("modbus")
	for key, conn := range p.conns {
		if now.Sub(conn.lastUsed) > p.idleTimeout {
			_ = conn.transport.Close()
			delete(p.conns, key)
			logger.Info().Str("conn", key).Msg("idle connection closed")
		}
	}
	metrics.ModbusConnectionsOpen.Set(float64(len(p.conns)))
}
