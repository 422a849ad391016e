package possync

import "time"

// BackoffStrategy defines how retry delays grow between attempts.
type BackoffStrategy interface {
	// NextDelay returns the delay before the given retry attempt (0-based).
	NextDelay(attempt int) time.Duration

	// Reset resets the strategy after a successful operation.
	Reset()
}

// ExponentialBackoff doubles (by Multiplier) the delay per attempt, capped
// at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff is the engine's default retry schedule.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.Multiplier
	}

	result := time.Duration(delay)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}

func (eb *ExponentialBackoff) Reset() {}
