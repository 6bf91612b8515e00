package common

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions when true causes the NATS
	// consumers in each package to subscribe at init
	ConsumeNATSStreamingSubscriptions bool

	// DefaultSessionTTL is the lifetime of a negotiated session
	DefaultSessionTTL time.Duration

	// DefaultMaxSessionsPerPeer caps the number of concurrent sessions
	// a single peer identity may hold
	DefaultMaxSessionsPerPeer int

	// DefaultHandshakeQuota is the number of handshake attempts allowed
	// per peer identity within DefaultHandshakeQuotaWindow
	DefaultHandshakeQuota int

	// DefaultHandshakeQuotaWindow is the sliding window over which the
	// handshake quota is enforced
	DefaultHandshakeQuotaWindow time.Duration

	// DefaultHandshakeTimeout bounds the wait on an in-flight handshake
	DefaultHandshakeTimeout time.Duration

	// DefaultReplayWindowSize is the capacity of the per-direction
	// sliding replay window
	DefaultReplayWindowSize int

	// DefaultChallengeTTL is how long a challenge may remain awaiting a
	// commitment before it is failed
	DefaultChallengeTTL time.Duration

	// DefaultProofCacheCapacity bounds the pending proof LRU
	DefaultProofCacheCapacity int

	// DefaultVerificationRowCount is the base number of rows sampled
	// for spot verification
	DefaultVerificationRowCount int

	// DefaultVerificationRowVariance is the +/- spread applied to the
	// base sampled row count
	DefaultVerificationRowVariance int

	// DefaultVerificationCoordinateCount is the base number of (row, col)
	// coordinates sampled for gpu challenges
	DefaultVerificationCoordinateCount int

	// DefaultVerificationAbsTolerance is the absolute tolerance applied
	// when comparing recomputed coordinate values
	DefaultVerificationAbsTolerance float64

	// DefaultVerificationRelTolerance is the relative tolerance applied
	// when comparing recomputed coordinate values
	DefaultVerificationRelTolerance float64

	// DefaultVerificationTimeout bounds how long a challenge may remain
	// in the verifying status before it is failed
	DefaultVerificationTimeout time.Duration
)

func init() {
	godotenv.Load()

	requireLogger()
	requireSessionConfig()
	requireChallengeConfig()

	ConsumeNATSStreamingSubscriptions = os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS") == "true"
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("attest", lvl, endpoint)
}

func requireSessionConfig() {
	DefaultSessionTTL = durationFromEnv("SESSION_TTL", time.Hour*6)
	DefaultMaxSessionsPerPeer = intFromEnv("SESSION_MAX_PER_PEER", 3)
	DefaultHandshakeQuota = intFromEnv("HANDSHAKE_QUOTA", 5)
	DefaultHandshakeQuotaWindow = durationFromEnv("HANDSHAKE_QUOTA_WINDOW", time.Second*60)
	DefaultHandshakeTimeout = durationFromEnv("HANDSHAKE_TIMEOUT", time.Second*30)
	DefaultReplayWindowSize = intFromEnv("REPLAY_WINDOW_SIZE", 64)
}

func requireChallengeConfig() {
	DefaultChallengeTTL = durationFromEnv("CHALLENGE_TTL", time.Minute*10)
	DefaultProofCacheCapacity = intFromEnv("PROOF_CACHE_CAPACITY", 128)
	DefaultVerificationRowCount = intFromEnv("VERIFY_ROWS_BASE", 5)
	DefaultVerificationRowVariance = intFromEnv("VERIFY_ROWS_VARIANCE", 2)
	DefaultVerificationCoordinateCount = intFromEnv("VERIFY_COORDS_BASE", 10)
	DefaultVerificationAbsTolerance = floatFromEnv("VERIFY_ABS_TOLERANCE", 1e-5)
	DefaultVerificationRelTolerance = floatFromEnv("VERIFY_REL_TOLERANCE", 1e-4)
	DefaultVerificationTimeout = durationFromEnv("VERIFY_TIMEOUT", time.Minute*10)
}

func durationFromEnv(key string, defaultVal time.Duration) time.Duration {
	if os.Getenv(key) == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		Log.Warningf("failed to parse %s as duration; using default; %s", key, err.Error())
		return defaultVal
	}
	return val
}

func intFromEnv(key string, defaultVal int) int {
	if os.Getenv(key) == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		Log.Warningf("failed to parse %s as int; using default; %s", key, err.Error())
		return defaultVal
	}
	return val
}

func floatFromEnv(key string, defaultVal float64) float64 {
	if os.Getenv(key) == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		Log.Warningf("failed to parse %s as float; using default; %s", key, err.Error())
		return defaultVal
	}
	return val
}
