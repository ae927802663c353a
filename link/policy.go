package link

import (
	"time"

	"github.com/blewire/bthost"
)

// profilePolicy describes how an active profile constrains power modes.
// A profile that pins the link active beats every sniff permission.
type profilePolicy struct {
	PinsActive  bool
	AllowsSniff bool
}

// defaultPolicies is the built-in priority table. SetPolicy overrides
// entries at runtime.
var defaultPolicies = map[bthost.PSM]profilePolicy{
	bthost.PSMAVDTP:        {PinsActive: true},
	bthost.PSMAVCTP:        {AllowsSniff: true},
	bthost.PSMHIDControl:   {AllowsSniff: true},
	bthost.PSMHIDInterrupt: {AllowsSniff: true},
	bthost.PSMRFCOMM:       {AllowsSniff: true},
}

// Sniff command parameters in baseband slots (0.625 ms).
const (
	sniffMaxInterval = 0x0320 // 500 ms
	sniffMinInterval = 0x0190 // 250 ms
	sniffAttempt     = 4
	sniffTimeout     = 1

	idleSniffDelay = 7 * time.Second

	// Link Policy Settings bits [Vol 2, Part E, 7.2.10].
	policyEnableSniff = 0x0004
)
