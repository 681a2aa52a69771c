package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func HistoryKey(sessionID string) string {
	return fmt.Sprintf("session:%s:history", sessionID)
}

func TurnLockKey(sessionID string) string {
	return fmt.Sprintf("session:%s:turn", sessionID)
}

// SessionJobsChannel is the pub/sub channel carrying job updates for a session.
func SessionJobsChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:jobs", sessionID)
}
