// Package poll schedules PLC reads: one worker per polling group, running
// either a fixed-interval loop or a handshake-triggered loop, feeding
// samples into the collection queue.
package poll

import (
	"time"

	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/mc3e"
)

// Sample is one poll's result: every value and per-address error read from
// a group in a single pass, plus the persistence metadata the writer needs
// so it never touches the configuration store. Samples are immutable once
// the worker constructs them and are shared by every distributor output.
type Sample struct {
	Timestamp       time.Time                 `json:"timestamp"`
	GroupID         int                       `json:"groupId"`
	GroupName       string                    `json:"groupName"`
	PLCCode         string                    `json:"plcCode"`
	Mode            config.Mode               `json:"mode"`
	Category        config.Category           `json:"category"`
	Values          map[string]mc3e.Value     `json:"values"`
	ErrorTags       map[string]string         `json:"errorTags,omitempty"`
	PollDurationMs  float64                   `json:"pollDurationMs"`
	TagLogModes     map[string]config.LogMode `json:"-"`
	TagMachineCodes map[string]string         `json:"-"`
}

// SampleSink accepts samples from workers. *buffer.Queue satisfies it.
type SampleSink interface {
	// Put enqueues a sample, waiting up to timeout for room.
	Put(s *Sample, timeout time.Duration) error
}
