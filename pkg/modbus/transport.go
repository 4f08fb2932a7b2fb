package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	gridx "github.com/grid-x/modbus"

	"github.com/volteria/controller/pkg/types"
)

// callTimeout bounds every Modbus request. No field operation blocks
// indefinitely.
const callTimeout = 3 * time.Second

// Transport is the wire-level register interface shared by Modbus/TCP,
// RTU-over-gateway and RTU-direct connections. Words are big-endian.
type Transport interface {
	ReadHolding(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error)
	ReadInput(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error)
	WriteRegister(ctx context.Context, slave byte, address, value uint16) error
	WriteRegisters(ctx context.Context, slave byte, address uint16, values []uint16) error
	Close() error
}

// handler is the slice of grid-x client handlers the transport needs.
type handler interface {
	gridx.ClientHandler
	Connect(ctx context.Context) error
	Close() error
}

// clientTransport wraps a grid-x client. The internal mutex serializes
// requests on one connection; it is distinct from the serial bus mutex the
// pool hands to callers for multi-operation sequences.
type clientTransport struct {
	mu      sync.Mutex
	handler handler
	client  gridx.Client
}

func newTransport(t types.Transport) (Transport, error) {
	var h handler
	switch t.Type {
	case types.TransportTCP:
		th := gridx.NewTCPClientHandler(t.PoolKey())
		th.Timeout = callTimeout
		h = th
	case types.TransportRTUGateway:
		gh := gridx.NewRTUOverTCPClientHandler(t.PoolKey())
		gh.Timeout = callTimeout
		h = gh
	case types.TransportRTUSerial:
		sh := gridx.NewRTUClientHandler(t.SerialPort)
		sh.Timeout = callTimeout
		if t.BaudRate > 0 {
			sh.BaudRate = t.BaudRate
		}
		if t.DataBits > 0 {
			sh.DataBits = t.DataBits
		}
		if t.Parity != "" {
			sh.Parity = t.Parity
		}
		if t.StopBits > 0 {
			sh.StopBits = t.StopBits
		}
		h = sh
	default:
		return nil, &types.ConfigError{Field: "transport.type", Reason: fmt.Sprintf("unknown transport %q", t.Type)}
	}

	if err := h.Connect(context.Background()); err != nil {
		return nil, &types.CommunicationError{Op: "connect " + t.PoolKey(), Err: err}
	}

	return &clientTransport{handler: h, client: gridx.NewClient(h)}, nil
}

func (c *clientTransport) ReadHolding(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler.SetSlave(slave)
	data, err := c.client.ReadHoldingRegisters(ctx, address, quantity)
	if err != nil {
		return nil, classify("read holding", err)
	}
	return bytesToWords(data)
}

func (c *clientTransport) ReadInput(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler.SetSlave(slave)
	data, err := c.client.ReadInputRegisters(ctx, address, quantity)
	if err != nil {
		return nil, classify("read input", err)
	}
	return bytesToWords(data)
}

func (c *clientTransport) WriteRegister(ctx context.Context, slave byte, address, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler.SetSlave(slave)
	if _, err := c.client.WriteSingleRegister(ctx, address, value); err != nil {
		return classify("write register", err)
	}
	return nil
}

func (c *clientTransport) WriteRegisters(ctx context.Context, slave byte, address uint16, values []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler.SetSlave(slave)
	data := make([]byte, 2*len(values))
	for i, w := range values {
		binary.BigEndian.PutUint16(data[2*i:], w)
	}
	if _, err := c.client.WriteMultipleRegisters(ctx, address, uint16(len(values)), data); err != nil {
		return classify("write registers", err)
	}
	return nil
}

func (c *clientTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// bytesToWords converts the big-endian response payload to register words.
func bytesToWords(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, &types.CommunicationError{Op: "decode response", Err: fmt.Errorf("odd payload length %d", len(data))}
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// classify maps a wire error into the taxonomy: Modbus exception codes are
// register-specific and never retried; everything else on the transport is
// a communication failure that backs the device off.
func classify(op string, err error) error {
	var mbErr *gridx.Error
	if errors.As(err, &mbErr) {
		return &types.RegisterError{
			Code:   mbErr.ExceptionCode,
			Reason: mbErr.Error(),
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &types.CommunicationError{Op: op, Err: err}
	}

	// Serial port closed, connection reset, unexpected EOF: transport-class.
	return &types.CommunicationError{Op: op, Err: err}
}
