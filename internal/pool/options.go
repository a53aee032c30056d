package pool

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ResetPolicy selects what happens to a connection's transaction state when
// it goes back to the pool.
type ResetPolicy int

const (
	ResetRollback ResetPolicy = iota
	ResetCommit
	ResetNone
)

func (r ResetPolicy) String() string {
	switch r {
	case ResetRollback:
		return "rollback"
	case ResetCommit:
		return "commit"
	case ResetNone:
		return "none"
	default:
		return fmt.Sprintf("ResetPolicy(%d)", int(r))
	}
}

// ParseResetOnReturn accepts the policy names plus the legacy boolean
// spelling: true means rollback, false and nil mean none.
func ParseResetOnReturn(v any) (ResetPolicy, error) {
	switch t := v.(type) {
	case nil:
		return ResetNone, nil
	case ResetPolicy:
		return t, nil
	case bool:
		if t {
			return ResetRollback, nil
		}
		return ResetNone, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "rollback", "true":
			return ResetRollback, nil
		case "commit":
			return ResetCommit, nil
		case "none", "false", "":
			return ResetNone, nil
		}
	}
	return 0, fmt.Errorf("invalid reset_on_return value %v", v)
}

func (r *ResetPolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p, err := ParseResetOnReturn(raw)
	if err != nil {
		return err
	}
	*r = p
	return nil
}

// EchoMode controls how verbose a pool's own logging is.
type EchoMode int

const (
	EchoOff EchoMode = iota
	EchoOn
	EchoDebug
)

// ParseEcho accepts a bool or the string "debug".
func ParseEcho(v any) (EchoMode, error) {
	switch t := v.(type) {
	case nil:
		return EchoOff, nil
	case EchoMode:
		return t, nil
	case bool:
		if t {
			return EchoOn, nil
		}
		return EchoOff, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "debug":
			return EchoDebug, nil
		case "true", "info":
			return EchoOn, nil
		case "false", "":
			return EchoOff, nil
		}
	}
	return 0, fmt.Errorf("invalid echo value %v", v)
}

func (e *EchoMode) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	m, err := ParseEcho(raw)
	if err != nil {
		return err
	}
	*e = m
	return nil
}

// Strategy names a pool implementation.
type Strategy string

const (
	StrategyQueue              Strategy = "queue"
	StrategyAsyncQueue         Strategy = "async_queue"
	StrategyAsyncQueueFallback Strategy = "async_queue_fallback"
	StrategySingletonThread    Strategy = "singleton_thread"
	StrategyNull               Strategy = "null"
	StrategyStatic             Strategy = "static"
	StrategyAssertion          Strategy = "assertion"
)

const defaultCheckoutRetries = 2

// Options configures a pool. Start from DefaultOptions; the zero value of a
// queue pool (size 0, overflow 0) never hands out a connection.
type Options struct {
	Strategy Strategy `yaml:"strategy"`

	// Recycle closes and reopens connections older than this on checkout.
	// Zero or negative disables age-based recycling.
	Recycle time.Duration `yaml:"recycle"`

	ResetOnReturn ResetPolicy `yaml:"reset_on_return"`
	PrePing       bool        `yaml:"pre_ping"`

	// UseThreadLocal makes repeated Connect calls with the same affinity key
	// return the same fairy while it is checked out. Unkeyed callers share
	// one key; see WithAffinity.
	UseThreadLocal bool     `yaml:"use_threadlocal"`
	Echo           EchoMode `yaml:"echo"`
	LoggingName    string   `yaml:"logging_name"`

	// PoolSize is the number of connections kept idle. For queue pools zero
	// means no limit; for singleton pools it caps the number of records.
	PoolSize int `yaml:"pool_size"`
	// MaxOverflow is how many connections may exist beyond PoolSize; -1 is unlimited.
	MaxOverflow int `yaml:"max_overflow"`
	// Timeout bounds the wait for a connection; zero or negative waits until
	// the context is done.
	Timeout time.Duration `yaml:"timeout"`
	UseLIFO bool          `yaml:"use_lifo"`

	// CheckoutRetries is how many times checkout replaces a connection that
	// failed pre-ping or a checkout listener before giving up. Zero means 2.
	CheckoutRetries int `yaml:"checkout_retries"`

	Dialect Dialect          `yaml:"-"`
	Logger  *zap.Logger      `yaml:"-"`
	Clock   func() time.Time `yaml:"-"`
}

// DefaultOptions returns the standard queue pool configuration.
func DefaultOptions() Options {
	return Options{
		Strategy:        StrategyQueue,
		Recycle:         -1,
		ResetOnReturn:   ResetRollback,
		PoolSize:        5,
		MaxOverflow:     10,
		Timeout:         30 * time.Second,
		CheckoutRetries: defaultCheckoutRetries,
	}
}

// UnmarshalYAML fills unspecified keys from DefaultOptions. An explicit null
// reset_on_return means no reset.
func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	type plain Options
	*o = DefaultOptions()
	if err := node.Decode((*plain)(o)); err != nil {
		return err
	}
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "reset_on_return" && node.Content[i+1].ShortTag() == "!!null" {
				o.ResetOnReturn = ResetNone
			}
		}
	}
	return nil
}

func (o Options) validate() error {
	if o.PoolSize < 0 {
		return fmt.Errorf("pool_size must be >= 0, got %d", o.PoolSize)
	}
	if o.MaxOverflow < -1 {
		return fmt.Errorf("max_overflow must be >= -1, got %d", o.MaxOverflow)
	}
	if o.CheckoutRetries < 0 {
		return fmt.Errorf("checkout_retries must be >= 0, got %d", o.CheckoutRetries)
	}
	switch o.ResetOnReturn {
	case ResetRollback, ResetCommit, ResetNone:
	default:
		return fmt.Errorf("invalid reset_on_return %d", int(o.ResetOnReturn))
	}
	return nil
}
