package constants

// Forwarding defaults
const (
	DefaultServerBaseURL      = "http://10.0.2.2:3000"
	IncomingSMSPath           = "/sms/incoming"
	DefaultConnectTimeoutSec  = 10
	DefaultReadTimeoutSec     = 10
	MaxErrorBodyBytes         = 64 * 1024
	ManualTestKey             = "manual-test"
	ManualTestSender          = "TEST"
	SMSForwardTag             = "sms-forward"
	UnknownSender             = "unknown"
	HeaderTimestamp           = "X-Timestamp"
	HeaderSignature           = "X-Signature"
	HeaderAuthorization       = "Authorization"
	ContentTypeJSON           = "application/json"
	ForwardCircuitBreakerName = "forward"
)

// Queue defaults
const (
	DefaultBackoffBaseSec      = 15
	DefaultMaxBackoffSec       = 5 * 60 * 60
	DefaultMaxAttempts         = 0 // unbounded
	DefaultWorkerCount         = 4
	DefaultPollIntervalMs      = 1000
	DefaultNetworkCheckSec     = 5
	DefaultNetworkDialTimeout  = 3
	DefaultRetentionDays       = 7
	DefaultCleanupIntervalHour = 24
	DefaultMonitorIntervalSec  = 30
	DefaultBacklogWarnCount    = 100
)

// Database retry defaults
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 2000
	DefaultInitialBackoffMs      = 500
	DefaultStartupMaxBackoffMs   = 5000
)

// Server defaults
const (
	DefaultServerAddress         = "127.0.0.1:8085"
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	ServerErrorChannelSize       = 1
	MaxHostEventBodyBytes        = 1 << 20
	DefaultHostEventRateLimit    = 120 // per client IP per minute
	DefaultConfigPollSec         = 5
)

// Circuit breaker defaults
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeoutSec  = 30
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
	DefaultSecretMaskShown = 2
)

// Encryption salt
const (
	EncryptionSalt = "smsrelay-settings-salt-v1"
)

// Input limits
const (
	MaxSegmentsPerEvent = 255 // concatenated SMS reference numbers are one byte
	MaxSenderLength     = 64
	MaxCredentialLength = 4096
	MaxServerURLLength  = 2048
)
