package retry

import (
	"math/rand/v2"
	"time"
)

// Значения по умолчанию.
const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 5 * time.Second
	DefaultMaxDelay       = 60 * time.Second
	DefaultJitterFraction = 0.10
)

// Policy — политика повторов стадии.
type Policy struct {
	// MaxAttempts — максимум попыток, включая первую.
	MaxAttempts int

	// BaseDelay — задержка перед первым повтором.
	BaseDelay time.Duration

	// MaxDelay — потолок задержки до jitter.
	MaxDelay time.Duration

	// JitterFraction — доля случайной добавки [0, JitterFraction).
	JitterFraction float64

	// rand возвращает число в [0, 1). Подменяется в тестах.
	rand func() float64
}

// DefaultPolicy возвращает политику по умолчанию: 5 попыток, 5s..60s, jitter 10%.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		JitterFraction: DefaultJitterFraction,
	}
}

// withDefaults заполняет незаданные поля.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
	return p
}

// BaseBackoff возвращает задержку до jitter: min(cap, base·2^attempt).
// attempt считается с нуля (0 — первый повтор).
func (p Policy) BaseBackoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		// Проверка до умножения защищает от переполнения.
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	return min(delay, p.MaxDelay)
}

// Backoff возвращает задержку с jitter в [0, JitterFraction) от базовой.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	base := p.BaseBackoff(attempt)
	jitter := time.Duration(float64(base) * p.JitterFraction * p.rand())
	return base + jitter
}

// Decision — решение по упавшей попытке.
type Decision struct {
	// Retry — планировать повтор.
	Retry bool

	// Exhausted — попытки исчерпаны (класс допускал повтор).
	Exhausted bool

	Class Class
	Delay time.Duration
}

// Decide решает, что делать после неудачной попытки номер attempts (с 1).
// Достижение MaxAttempts завершает стадию независимо от класса.
func (p Policy) Decide(attempts int, class Class) Decision {
	p = p.withDefaults()
	if class == "" {
		class = ClassUnknown
	}
	if !class.Retryable() {
		return Decision{Class: class}
	}
	if attempts >= p.MaxAttempts {
		return Decision{Class: class, Exhausted: true}
	}
	return Decision{
		Retry: true,
		Class: class,
		Delay: p.Backoff(attempts - 1),
	}
}

// Max возвращает MaxAttempts с учётом значения по умолчанию.
func (p Policy) Max() int {
	return p.withDefaults().MaxAttempts
}
