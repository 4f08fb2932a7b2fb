package modbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/types"
)

func testReader() *Reader {
	r := NewReader()
	r.sleep = func(time.Duration, context.Context) bool { return true }
	return r
}

func TestReadRegisterOK(t *testing.T) {
	ft := newFakeTransport()
	ft.set(100, 123)
	r := testReader()

	v, err := r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "freq", Address: 100, Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead, Scale: 0.01,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.23, v.Float, 1e-9)
}

func TestReadRetriesTransportErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.set(100, 7)
	ft.readErrsN = 2 // first two attempts time out, third succeeds
	r := testReader()

	v, err := r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "x", Address: 100, Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead,
	})
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.Float)
}

func TestReadExhaustsRetriesOnTransportError(t *testing.T) {
	ft := newFakeTransport()
	ft.readErrsN = 10
	r := testReader()

	_, err := r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "x", Address: 100, Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead,
	})
	assert.True(t, types.IsCommunicationError(err))
	// initial attempt + two retries, no more
	assert.Equal(t, 7, ft.readErrsN)
}

func TestReadDoesNotRetryRegisterErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.readErr = &types.RegisterError{Register: "x", Code: 0x02, Reason: "illegal data address"}
	r := testReader()

	_, err := r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "x", Address: 100, Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead,
	})
	assert.True(t, types.IsRegisterError(err))
}

func TestReadValidatesVirtualAndOversize(t *testing.T) {
	r := testReader()
	ft := newFakeTransport()

	_, err := r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "agg", Kind: types.RegisterVirtual, Encoding: types.EncodingFloat32, Access: types.AccessRead,
	})
	assert.True(t, types.IsRegisterError(err))

	_, err = r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "huge", Kind: types.RegisterHolding, Encoding: types.EncodingUTF8, WordCount: 200, Access: types.AccessRead,
	})
	assert.True(t, types.IsRegisterError(err))
}

func TestReadOutOfValidityRange(t *testing.T) {
	ft := newFakeTransport()
	ft.set(100, 500)
	r := testReader()

	max := 100.0
	_, err := r.ReadRegister(context.Background(), fakeConn(ft, false), 1, types.Register{
		Name: "soc", Address: 100, Kind: types.RegisterHolding, Encoding: types.EncodingUint16, Access: types.AccessRead, Max: &max,
	})
	assert.True(t, types.IsRegisterError(err))
}

func TestPoolGetReusesAndReconnects(t *testing.T) {
	p := NewPool()
	dials := 0
	p.dial = func(types.Transport) (Transport, error) {
		dials++
		return newFakeTransport(), nil
	}

	serial := types.Transport{Type: types.TransportRTUSerial, SerialPort: "/dev/ttyUSB0", BaudRate: 9600}

	c1, err := p.Get(serial)
	require.NoError(t, err)
	require.NotNil(t, c1.BusMutex())

	c2, err := p.Get(serial)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dials)

	p.Reconnect("/dev/ttyUSB0")
	c3, err := p.Get(serial)
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
	// The bus mutex survives the reconnect.
	assert.Same(t, c1.BusMutex(), c3.BusMutex())
}

func TestPoolReapsIdleConnections(t *testing.T) {
	p := NewPool()
	p.dial = func(types.Transport) (Transport, error) { return newFakeTransport(), nil }

	base := time.Now()
	p.now = func() time.Time { return base }

	tcp := types.Transport{Type: types.TransportTCP, Host: "10.0.0.5", Port: 502}
	_, err := p.Get(tcp)
	require.NoError(t, err)

	p.now = func() time.Time { return base.Add(DefaultIdleTimeout + time.Second) }
	p.reapIdle()

	p.mu.Lock()
	n := len(p.conns)
	p.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestNetworkTransportHasNoBusMutex(t *testing.T) {
	p := NewPool()
	p.dial = func(types.Transport) (Transport, error) { return newFakeTransport(), nil }

	c, err := p.Get(types.Transport{Type: types.TransportTCP, Host: "10.0.0.5", Port: 502})
	require.NoError(t, err)
	assert.Nil(t, c.BusMutex())
}
