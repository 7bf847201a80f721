package mcptools

import (
	"github.com/deepmindru-afk/MassGen/backend"
)

// DefaultMaxHistory is the default sliding-window size for conversation
// history between streaming iterations.
const DefaultMaxHistory = 200

// TrimHistory bounds history growth with a sliding window over the most
// recent max entries. A leading system message survives trimming so the
// conversation keeps its instructions; the window size is exact either way.
// Trimming an already-trimmed history returns it unchanged.
func TrimHistory(msgs []backend.Message, max int) []backend.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}

	if role, _ := msgs[0]["role"].(string); role == "system" {
		trimmed := make([]backend.Message, 0, max)
		trimmed = append(trimmed, msgs[0])
		return append(trimmed, msgs[len(msgs)-(max-1):]...)
	}
	return msgs[len(msgs)-max:]
}
