package bthost

import "time"

// SnoopMode selects how much traffic the snoop logger captures.
type SnoopMode int

const (
	SnoopDisabled SnoopMode = iota
	SnoopFull
	SnoopFiltered
)

func (m SnoopMode) String() string {
	switch m {
	case SnoopDisabled:
		return "disabled"
	case SnoopFull:
		return "full"
	case SnoopFiltered:
		return "filtered"
	}
	return "unknown"
}

// Config carries the recognized stack options. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	CommandTimeout       time.Duration
	ResetThreshold       int
	DiscoveryRetryCount  int
	DirectConnectTimeout time.Duration
	AcceptlistSize       int // 0 means controller-reported

	SnoopMode              SnoopMode
	SnoopMaxPacketsPerFile int
	SnoopLivePort          int

	FilterA2DP                bool
	FilterHeadersOnly         bool
	FilterRFCOMMDLCIAllowlist []uint8

	RobustCaching bool
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout:         2 * time.Second,
		ResetThreshold:         3,
		DiscoveryRetryCount:    2,
		DirectConnectTimeout:   30 * time.Second,
		SnoopMode:              SnoopDisabled,
		SnoopMaxPacketsPerFile: 0xffff,
		SnoopLivePort:          8872,
		RobustCaching:          true,
	}
}

// An Option is a configuration function, which configures the stack.
type Option func(*Config) error

func (c *Config) Apply(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

// OptCommandTimeout overrides the default per-command HCI timeout.
func OptCommandTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ErrInvalidArgument
		}
		c.CommandTimeout = d
		return nil
	}
}

// OptDiscoveryRetryCount sets the max GATT rediscover attempts after a
// database-out-of-sync response.
func OptDiscoveryRetryCount(n int) Option {
	return func(c *Config) error {
		c.DiscoveryRetryCount = n
		return nil
	}
}

// OptDirectConnectTimeout sets the LE direct connect window.
func OptDirectConnectTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ErrInvalidArgument
		}
		c.DirectConnectTimeout = d
		return nil
	}
}

// OptAcceptlistSize caps the hardware acceptlist below the controller
// reported value.
func OptAcceptlistSize(n int) Option {
	return func(c *Config) error {
		c.AcceptlistSize = n
		return nil
	}
}

// OptSnoopMode selects the snoop capture mode.
func OptSnoopMode(m SnoopMode) Option {
	return func(c *Config) error {
		c.SnoopMode = m
		return nil
	}
}

// OptSnoopMaxPacketsPerFile sets the rotation threshold.
func OptSnoopMaxPacketsPerFile(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return ErrInvalidArgument
		}
		c.SnoopMaxPacketsPerFile = n
		return nil
	}
}

// OptSnoopLivePort sets the TCP listen port for the live stream.
func OptSnoopLivePort(port int) Option {
	return func(c *Config) error {
		c.SnoopLivePort = port
		return nil
	}
}

// OptFilterA2DP drops A2DP media packets in filtered mode.
func OptFilterA2DP(on bool) Option {
	return func(c *Config) error {
		c.FilterA2DP = on
		return nil
	}
}

// OptFilterHeadersOnly truncates filtered payloads to their L2CAP headers.
func OptFilterHeadersOnly(on bool) Option {
	return func(c *Config) error {
		c.FilterHeadersOnly = on
		return nil
	}
}

// OptFilterRFCOMMDLCIAllowlist keeps the listed DLCIs at full length in
// filtered mode.
func OptFilterRFCOMMDLCIAllowlist(dlcis ...uint8) Option {
	return func(c *Config) error {
		c.FilterRFCOMMDLCIAllowlist = append([]uint8(nil), dlcis...)
		return nil
	}
}

// OptRobustCaching enables the database-hash skip path in GATT discovery.
func OptRobustCaching(on bool) Option {
	return func(c *Config) error {
		c.RobustCaching = on
		return nil
	}
}
