package ratelimit

import (
	"github.com/mpetrenko/coverbot/internal/pkg/env"
)

// Known action types. Unknown actions are allowed by default so new call
// sites keep working before a policy is rolled out.
const (
	ActionAIRequests = "ai_requests"
	ActionCommands   = "commands"
)

// Policy caps an action type to MaxRequests per sliding WindowSeconds window.
type Policy struct {
	MaxRequests   int
	WindowSeconds int
}

// Decision is the outcome of a rate-limit check. RetryAfterSeconds is only
// meaningful when Allowed is false. Warning turns on once usage crosses 80%
// of the window allowance so callers can surface a soft notice.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
	Warning           bool
}

// warningThreshold is the usage fraction at which Decision.Warning turns on.
const warningThreshold = 0.8

// adminRemaining is reported for admins and unknown actions, where no window
// applies.
const adminRemaining = 1 << 30

// PoliciesFromEnv builds the per-action policy table from the environment.
func PoliciesFromEnv() map[string]Policy {
	return map[string]Policy{
		ActionAIRequests: {
			MaxRequests:   env.GetEnvInt("RATE_LIMIT_AI_REQUESTS", 5),
			WindowSeconds: env.GetEnvInt("RATE_LIMIT_AI_WINDOW_SECONDS", 60),
		},
		ActionCommands: {
			MaxRequests:   env.GetEnvInt("RATE_LIMIT_COMMANDS", 30),
			WindowSeconds: env.GetEnvInt("RATE_LIMIT_COMMANDS_WINDOW_SECONDS", 60),
		},
	}
}

// MaxTextBytesFromEnv reads the global raw-payload size cap.
func MaxTextBytesFromEnv() int {
	return env.GetEnvInt("MAX_TEXT_SIZE_BYTES", 4096)
}
