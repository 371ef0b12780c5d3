// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ChannelID string
type SyncID string
type JobID string

func NewChannelID() ChannelID {
	return ChannelID(uuid.New().String())
}

// NewSyncID returns an instance-unique token. Sync keys are dot separated,
// so the token must not contain dots.
func NewSyncID() SyncID {
	return SyncID(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}
