package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - экспоненциальный backoff с jitter:
// delay = min(InitialDelay * Multiplier^n, MaxDelay) ± JitterFactor
type Config struct {
	// MaxAttempts - всего попыток, включая первую. <= 0 трактуется как 1:
	// бесконечных повторов нет, это ордера на площадке.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor - доля случайной вариации задержки (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. nil - повторять всё, кроме Permanent.
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// LiquidationConfig - закрытие всех позиций: мало попыток, паузы от секунды
func LiquidationConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ReconnectConfig - переподключение websocket: 2s, 4s, 8s, 16s...
func ReconnectConfig() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 2 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// Backoff возвращает задержку перед попыткой номер attempt+1 (attempt с нуля)
func (c Config) Backoff(attempt int) time.Duration {
	c.normalize()

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет operation до MaxAttempts раз.
// Возвращает число сделанных попыток и последнюю ошибку (nil при успехе).
// Отмена ctx прерывает ожидание между попытками.
func Do(ctx context.Context, cfg Config, operation func(attempt int) error) (int, error) {
	cfg.normalize()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		err := operation(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !shouldRetry(cfg, err) || attempt == cfg.MaxAttempts {
			return attempt, err
		}

		delay := cfg.Backoff(attempt - 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		}
	}
	return cfg.MaxAttempts, lastErr
}

func shouldRetry(cfg Config, err error) bool {
	if IsPermanent(err) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// ============================================================
// Permanent
// ============================================================

// PermanentError - ошибка, которую повторять бессмысленно (4xx, неверный запрос)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent - есть ли в цепочке PermanentError
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// NotContext не повторяет ошибки отмены/таймаута контекста
func NotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
