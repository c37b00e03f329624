package dispatcher

import (
	"fmt"
	"strings"
	"time"
)

// ConcurrencyMode controls how many dispatches may run against one instance context.
type ConcurrencyMode int

const (
	// ConcurrencySingle runs one invocation at a time per instance, in arrival order.
	ConcurrencySingle ConcurrencyMode = iota
	// ConcurrencyReentrant is Single, but the instance is released while an invocation is suspended.
	ConcurrencyReentrant
	// ConcurrencyMultiple lets invocations overlap; the service instance must be thread-safe.
	ConcurrencyMultiple
)

func (m ConcurrencyMode) String() string {
	switch m {
	case ConcurrencySingle:
		return "single"
	case ConcurrencyReentrant:
		return "reentrant"
	case ConcurrencyMultiple:
		return "multiple"
	default:
		return fmt.Sprintf("ConcurrencyMode(%d)", int(m))
	}
}

// UnmarshalText parses "single", "reentrant" or "multiple".
func (m *ConcurrencyMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "single", "":
		*m = ConcurrencySingle
	case "reentrant":
		*m = ConcurrencyReentrant
	case "multiple":
		*m = ConcurrencyMultiple
	default:
		return fmt.Errorf("dispatcher: unknown concurrency mode %q", string(text))
	}
	return nil
}

// InstanceMode controls the lifetime of service instances.
type InstanceMode int

const (
	// InstancePerSession keeps one instance per session channel. Datagram channels behave per call.
	InstancePerSession InstanceMode = iota
	// InstancePerCall creates a fresh instance for every dispatch.
	InstancePerCall
	// InstanceSingle shares one instance across the endpoint.
	InstanceSingle
)

func (m InstanceMode) String() string {
	switch m {
	case InstancePerSession:
		return "per-session"
	case InstancePerCall:
		return "per-call"
	case InstanceSingle:
		return "single"
	default:
		return fmt.Sprintf("InstanceMode(%d)", int(m))
	}
}

// UnmarshalText parses "per-session", "per-call" or "single".
func (m *InstanceMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "per-session", "persession", "":
		*m = InstancePerSession
	case "per-call", "percall":
		*m = InstancePerCall
	case "single":
		*m = InstanceSingle
	default:
		return fmt.Errorf("dispatcher: unknown instance mode %q", string(text))
	}
	return nil
}

// Config holds the dispatcher-wide tuning knobs. Per-endpoint behavior lives on Runtime.
type Config struct {
	// ReceiveTimeout bounds each receive; zero waits forever.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	// SendTimeout bounds each reply send.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// CloseTimeout bounds request context closes during cleanup.
	CloseTimeout time.Duration `yaml:"close_timeout"`
	// FaultCloseTimeout bounds the graceful close of a session whose fault reply already went out.
	FaultCloseTimeout time.Duration `yaml:"fault_close_timeout"`

	// AsyncReceive pumps with suspendable receives when the channel supports them.
	AsyncReceive bool `yaml:"async_receive"`
	// AsyncReplySend sends replies off the dispatching goroutine.
	AsyncReplySend bool `yaml:"async_reply_send"`

	// IncludeExceptionDetailInFaults puts error text into last-resort faults.
	IncludeExceptionDetailInFaults bool `yaml:"include_exception_detail_in_faults"`
	// SuppressUnhandledFaults closes requests for unknown actions without replying.
	SuppressUnhandledFaults bool `yaml:"suppress_unhandled_faults"`

	// MaxReceiveRate caps received messages per second per channel; zero disables throttling.
	MaxReceiveRate float64 `yaml:"max_receive_rate"`
	ReceiveBurst   int     `yaml:"receive_burst"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		ReceiveTimeout:    0,
		SendTimeout:       time.Minute,
		CloseTimeout:      time.Minute,
		FaultCloseTimeout: 10 * time.Second,
		AsyncReceive:      true,
	}
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	if c.ReceiveTimeout < 0 || c.SendTimeout < 0 || c.CloseTimeout < 0 || c.FaultCloseTimeout < 0 {
		return fmt.Errorf("dispatcher: timeouts must not be negative")
	}
	if c.MaxReceiveRate < 0 {
		return fmt.Errorf("dispatcher: max_receive_rate must not be negative")
	}
	if c.MaxReceiveRate > 0 && c.ReceiveBurst <= 0 {
		return fmt.Errorf("dispatcher: receive_burst must be positive when max_receive_rate is set")
	}
	return nil
}
