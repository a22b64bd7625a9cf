package http

import (
	"time"

	"lsmkv/pkg/store"
)

// State is the coarse condition an admin endpoint reports.
type State string

const (
	StateServing  State = "serving"
	StateDegraded State = "degraded"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Reply is the body of /health, /flush and /compact.
type Reply struct {
	State   State  `json:"state"`
	StoreID string `json:"store_id,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	TookMS  int64  `json:"took_ms,omitempty"`
	Error   string `json:"error,omitempty"`
}

func healthReply(stats store.Stats) Reply {
	r := Reply{State: StateServing, StoreID: stats.StoreID, Seq: stats.Seq}
	if stats.BackgroundError != "" {
		r.State = StateDegraded
		r.Error = stats.BackgroundError
	}
	return r
}

func doneReply(start time.Time) Reply {
	return Reply{State: StateDone, TookMS: time.Since(start).Milliseconds()}
}

func failedReply(err error) Reply {
	return Reply{State: StateFailed, Error: err.Error()}
}
