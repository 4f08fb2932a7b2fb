package modbus

import (
	"context"
	"math"
	"time"

	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/types"
)

// settleTime is how long a device gets to latch a write before read-back.
const settleTime = 200 * time.Millisecond

// Writer performs verified register writes. On serial transports the whole
// write + verify sequence runs under the bus mutex so no other slave
// traffic interleaves.
type Writer struct {
	reader *Reader
	settle time.Duration
	sleep  func(time.Duration, context.Context) bool
}

// NewWriter creates a writer.
func NewWriter() *Writer {
	return &Writer{
		reader: NewReader(),
		settle: settleTime,
		sleep:  ctxSleep,
	}
}

// Tolerance returns the verify tolerance for a written value: 1 % of the
// magnitude, but never below one LSB in engineering units.
func Tolerance(written float64, reg types.Register) float64 {
	lsb := math.Abs(reg.EffectiveScale())
	tol := 0.01 * math.Abs(written)
	if tol < lsb {
		tol = lsb
	}
	return tol
}

// Write sends value to the register without verification.
func (w *Writer) Write(ctx context.Context, conn *Conn, slave byte, reg types.Register, value float64) error {
	if mu := conn.BusMutex(); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	return w.write(ctx, conn, slave, reg, value)
}

// WriteAndVerify writes value, waits the settle time, reads the register
// back and compares within tolerance. A mismatch is a CommandNotTakenError.
func (w *Writer) WriteAndVerify(ctx context.Context, conn *Conn, slave byte, reg types.Register, value float64) error {
	if mu := conn.BusMutex(); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err := w.write(ctx, conn, slave, reg, value); err != nil {
		return err
	}
	return w.verify(ctx, conn, slave, reg, value)
}

// SetSolarLimit is the composite limit operation: write the enable
// register, write the limit register, then verify the limit register,
// all atomically within the bus mutex.
func (w *Writer) SetSolarLimit(ctx context.Context, conn *Conn, slave byte, enable, limit types.Register, enableValue, limitValue float64) error {
	if mu := conn.BusMutex(); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err := w.write(ctx, conn, slave, enable, enableValue); err != nil {
		return err
	}
	if err := w.write(ctx, conn, slave, limit, limitValue); err != nil {
		return err
	}
	return w.verify(ctx, conn, slave, limit, limitValue)
}

func (w *Writer) write(ctx context.Context, conn *Conn, slave byte, reg types.Register, value float64) error {
	if reg.Access == types.AccessRead {
		return &types.WriteError{Register: reg.Name, Err: &types.RegisterError{Register: reg.Name, Reason: "register is read-only"}}
	}

	words, err := Encode(value, reg)
	if err != nil {
		metrics.ModbusWritesTotal.WithLabelValues("invalid").Inc()
		return err
	}

	if len(words) == 1 {
		err = conn.Transport().WriteRegister(ctx, slave, reg.Address, words[0])
	} else {
		err = conn.Transport().WriteRegisters(ctx, slave, reg.Address, words)
	}
	if err != nil {
		metrics.ModbusWritesTotal.WithLabelValues("error").Inc()
		if types.IsRegisterError(err) {
			return &types.WriteError{Register: reg.Name, Err: err}
		}
		return err
	}

	metrics.ModbusWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (w *Writer) verify(ctx context.Context, conn *Conn, slave byte, reg types.Register, written float64) error {
	if !w.sleep(w.settle, ctx) {
		return &types.CommunicationError{Op: "verify " + reg.Name, Err: ctx.Err()}
	}

	v, err := w.readBack(ctx, conn, slave, reg)
	if err != nil {
		return err
	}

	tol := Tolerance(written, reg)
	if math.Abs(v-written) > tol {
		metrics.ModbusWritesTotal.WithLabelValues("not_taken").Inc()
		return &types.CommandNotTakenError{
			Register:  reg.Name,
			Written:   written,
			ReadBack:  v,
			Tolerance: tol,
		}
	}
	return nil
}

// readBack performs the verification read without re-acquiring the bus
// mutex, which the caller already holds.
func (w *Writer) readBack(ctx context.Context, conn *Conn, slave byte, reg types.Register) (float64, error) {
	quantity := uint16(wordCount(reg))
	words, err := conn.Transport().ReadHolding(ctx, slave, reg.Address, quantity)
	if err != nil {
		return 0, err
	}
	v, err := Decode(words, reg)
	if err != nil {
		return 0, err
	}
	if !v.Valid || v.IsText {
		return 0, &types.RegisterError{Register: reg.Name, Reason: "read-back returned no value"}
	}
	return v.Float, nil
}
