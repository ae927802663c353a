package hci

// Controller status codes [Vol 2, Part D, 1.3]. The subset the stack reacts
// to by name; everything else is reported through the Error method.
const (
	StatusSuccess           Status = 0x00
	ErrUnknownCommand       Status = 0x01 // Unknown HCI Command
	ErrConnID               Status = 0x02 // Unknown Connection Identifier
	ErrHardware             Status = 0x03 // Hardware Failure
	ErrPageTimeout          Status = 0x04 // Page Timeout
	ErrAuth                 Status = 0x05 // Authentication Failure
	ErrPINMissing           Status = 0x06 // PIN or Key Missing
	ErrMemoryCapacity       Status = 0x07 // Memory Capacity Exceeded
	ErrConnTimeout          Status = 0x08 // Connection Timeout
	ErrConnLimit            Status = 0x09 // Connection Limit Exceeded
	ErrACLConnExists        Status = 0x0B // ACL Connection Already Exists
	ErrDisallowed           Status = 0x0C // Command Disallowed
	ErrLimitedResource      Status = 0x0D // Connection Rejected due to Limited Resources
	ErrSecurity             Status = 0x0E // Connection Rejected Due To Security Reasons
	ErrConnAcceptTimeout    Status = 0x10 // Connection Accept Timeout Exceeded
	ErrUnsupportedParams    Status = 0x11 // Unsupported Feature or Parameter Value
	ErrInvalidParams        Status = 0x12 // Invalid HCI Command Parameters
	ErrRemoteUser           Status = 0x13 // Remote User Terminated Connection
	ErrRemoteLowResources   Status = 0x14 // Remote Device Terminated Connection due to Low Resources
	ErrRemotePowerOff       Status = 0x15 // Remote Device Terminated Connection due to Power Off
	ErrLocalHost            Status = 0x16 // Connection Terminated By Local Host
	ErrRepeatedAttempts     Status = 0x17 // Repeated Attempts
	ErrUnsupportedLMP       Status = 0x1A // Unsupported Remote Feature
	ErrUnspecified          Status = 0x1F // Unspecified Error
	ErrLLResponseTimeout    Status = 0x22 // LMP/LL Response Timeout
	ErrEncNotAccepted       Status = 0x25 // Encryption Mode Not Acceptable
	ErrInstantPassed        Status = 0x28 // Instant Passed
	ErrDifferentTransColl   Status = 0x2A // Different Transaction Collision
	ErrInsufficientSecurity Status = 0x2F // Insufficient Security
	ErrRoleSwitchPending    Status = 0x32 // Role Switch Pending
	ErrHostBusy             Status = 0x38 // Host Busy - Pairing
	ErrControllerBusy       Status = 0x3A // Controller Busy
	ErrConnParams           Status = 0x3B // Unacceptable Connection Parameters
	ErrMIC                  Status = 0x3D // Connection Terminated due to MIC Failure
	ErrEstablished          Status = 0x3E // Connection Failed to be Established

	// Synthetic status, never sent by a controller: a command that received
	// no completion within its timeout.
	StatusTransactionTimeout Status = 0xFE
)

// Status is a controller status code [Vol 2, Part D, 1.3].
type Status byte

func (e Status) Error() string {
	if s, ok := statusText[e]; ok {
		return s
	}
	// A Host shall consider any error code that it does not explicitly
	// understand equivalent to the "Unspecified Error (0x1F)".
	return statusText[ErrUnspecified]
}

var statusText = map[Status]string{
	StatusSuccess:            "Success",
	ErrUnknownCommand:        "Unknown HCI Command",
	ErrConnID:                "Unknown Connection Identifier",
	ErrHardware:              "Hardware Failure",
	ErrPageTimeout:           "Page Timeout",
	ErrAuth:                  "Authentication Failure",
	ErrPINMissing:            "PIN or Key Missing",
	ErrMemoryCapacity:        "Memory Capacity Exceeded",
	ErrConnTimeout:           "Connection Timeout",
	ErrConnLimit:             "Connection Limit Exceeded",
	ErrACLConnExists:         "ACL Connection Already Exists",
	ErrDisallowed:            "Command Disallowed",
	ErrLimitedResource:       "Connection Rejected due to Limited Resources",
	ErrSecurity:              "Connection Rejected Due To Security Reasons",
	ErrConnAcceptTimeout:     "Connection Accept Timeout Exceeded",
	ErrUnsupportedParams:     "Unsupported Feature or Parameter Value",
	ErrInvalidParams:         "Invalid HCI Command Parameters",
	ErrRemoteUser:            "Remote User Terminated Connection",
	ErrRemoteLowResources:    "Remote Device Terminated Connection due to Low Resources",
	ErrRemotePowerOff:        "Remote Device Terminated Connection due to Power Off",
	ErrLocalHost:             "Connection Terminated By Local Host",
	ErrRepeatedAttempts:      "Repeated Attempts",
	ErrUnsupportedLMP:        "Unsupported Remote Feature",
	ErrUnspecified:           "Unspecified Error",
	ErrLLResponseTimeout:     "LMP/LL Response Timeout",
	ErrEncNotAccepted:        "Encryption Mode Not Acceptable",
	ErrInstantPassed:         "Instant Passed",
	ErrDifferentTransColl:    "Different Transaction Collision",
	ErrInsufficientSecurity:  "Insufficient Security",
	ErrRoleSwitchPending:     "Role Switch Pending",
	ErrHostBusy:              "Host Busy - Pairing",
	ErrControllerBusy:        "Controller Busy",
	ErrConnParams:            "Unacceptable Connection Parameters",
	ErrMIC:                   "Connection Terminated due to MIC Failure",
	ErrEstablished:           "Connection Failed to be Established",
	StatusTransactionTimeout: "Transaction Timeout",
}
