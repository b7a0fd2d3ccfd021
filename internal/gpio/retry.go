package gpio

import (
	"context"
	"log/slog"
	"time"
)

// RetryPort retries failed pin operations on a wrapped port. I2C
// transactions on the irrigation board occasionally fail once and succeed
// on the next attempt.
type RetryPort struct {
	port     Port
	attempts int
	delay    time.Duration
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewRetryPort wraps port so each SetPin/GetPin is attempted up to
// attempts times, delay apart. attempts below 1 is treated as 1.
func NewRetryPort(port Port, attempts int, delay time.Duration, logger *slog.Logger) *RetryPort {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryPort{
		port:     port,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// SetPin writes the pin, retrying on error.
func (r *RetryPort) SetPin(index int, on bool) error {
	return r.SetPinContext(context.Background(), index, on)
}

// GetPin reads the pin, retrying on error.
func (r *RetryPort) GetPin(index int) (bool, error) {
	return r.GetPinContext(context.Background(), index)
}

// SetPinContext writes the pin, retrying on error until the attempts run
// out or ctx is done.
func (r *RetryPort) SetPinContext(ctx context.Context, index int, on bool) error {
	return r.do(ctx, "set_pin", index, func() error {
		return SetPin(ctx, r.port, index, on)
	})
}

// GetPinContext reads the pin, retrying on error until the attempts run
// out or ctx is done.
func (r *RetryPort) GetPinContext(ctx context.Context, index int) (bool, error) {
	var value bool
	err := r.do(ctx, "get_pin", index, func() error {
		v, err := GetPin(ctx, r.port, index)
		value = v
		return err
	})
	return value, err
}

// Close closes the wrapped port.
func (r *RetryPort) Close() error {
	return r.port.Close()
}

func (r *RetryPort) do(ctx context.Context, op string, index int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("pin operation failed, retrying",
			"op", op,
			"pin", index,
			"attempt", attempt,
			"error", err,
		)
		if r.sleep(ctx, r.delay) != nil {
			r.logger.Warn("pin operation abandoned by caller", "op", op, "pin", index, "attempt", attempt)
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
