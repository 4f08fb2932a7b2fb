package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/types"
)

const (
	// readRetries is the number of retries after the initial attempt, on
	// transport-class errors only.
	readRetries = 2
	retryDelay  = 500 * time.Millisecond

	// maxReadWords is the Modbus limit on registers per read request.
	maxReadWords = 125
)

// Reader performs typed register reads with bounded retries. Exception-code
// and validation errors are register-specific and fail fast; transport
// errors are retried and reported so the device can be backed off.
type Reader struct {
	sleep func(time.Duration, context.Context) bool
}

// NewReader creates a reader.
func NewReader() *Reader {
	return &Reader{sleep: ctxSleep}
}

func ctxSleep(d time.Duration, ctx context.Context) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReadRegister reads and decodes one register. Callers on a serial-direct
// transport must already hold the connection's bus mutex.
func (r *Reader) ReadRegister(ctx context.Context, conn *Conn, slave byte, reg types.Register) (Value, error) {
	if err := validateRead(reg); err != nil {
		metrics.ModbusReadsTotal.WithLabelValues("invalid").Inc()
		return Value{}, err
	}

	quantity := uint16(wordCount(reg))

	var words []uint16
	var err error
	for attempt := 0; ; attempt++ {
		words, err = r.readWords(ctx, conn, slave, reg, quantity)
		if err == nil {
			break
		}
		if types.IsRegisterError(err) || attempt >= readRetries {
			metrics.ModbusReadsTotal.WithLabelValues("error").Inc()
			return Value{}, err
		}
		if !r.sleep(retryDelay, ctx) {
			metrics.ModbusReadsTotal.WithLabelValues("cancelled").Inc()
			return Value{}, &types.CommunicationError{Op: "read " + reg.Name, Err: ctx.Err()}
		}
	}

	v, err := Decode(words, reg)
	if err != nil {
		metrics.ModbusReadsTotal.WithLabelValues("decode_error").Inc()
		return Value{}, err
	}

	if v.Valid && !v.IsText {
		if reg.Min != nil && v.Float < *reg.Min || reg.Max != nil && v.Float > *reg.Max {
			metrics.ModbusReadsTotal.WithLabelValues("out_of_range").Inc()
			return Value{}, &types.RegisterError{
				Register: reg.Name,
				Reason:   fmt.Sprintf("value %g outside validity range", v.Float),
			}
		}
	}

	metrics.ModbusReadsTotal.WithLabelValues("ok").Inc()
	return v, nil
}

func (r *Reader) readWords(ctx context.Context, conn *Conn, slave byte, reg types.Register, quantity uint16) ([]uint16, error) {
	switch reg.Kind {
	case types.RegisterInput:
		return conn.Transport().ReadInput(ctx, slave, reg.Address, quantity)
	default:
		return conn.Transport().ReadHolding(ctx, slave, reg.Address, quantity)
	}
}

// validateRead is the client-side address check. Failures are
// register-specific: not retried, no device backoff.
func validateRead(reg types.Register) error {
	if reg.Kind == types.RegisterVirtual {
		return &types.RegisterError{Register: reg.Name, Reason: "virtual registers are not readable over the wire"}
	}
	n := wordCount(reg)
	if n == 0 {
		return &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("encoding %q has no word count", reg.Encoding)}
	}
	if n > maxReadWords {
		return &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("word count %d exceeds modbus limit", n)}
	}
	if int(reg.Address)+n > 0x10000 {
		return &types.RegisterError{Register: reg.Name, Reason: "address range exceeds register space"}
	}
	return nil
}

func wordCount(reg types.Register) int {
	if reg.Encoding == types.EncodingUTF8 {
		return reg.WordCount
	}
	return reg.Encoding.Words()
}
