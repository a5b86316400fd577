package bridge

import (
	"time"

	"github.com/QurzEditer/talkcody/channel"
	"github.com/QurzEditer/talkcody/execution"
)

// phase is the explicit per-session state: no remote message yet, live
// message being edited, or terminal status acknowledged.
type phase int

const (
	phaseIdle phase = iota
	phaseStreaming
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseStreaming:
		return "streaming"
	case phaseDone:
		return "done"
	default:
		return "idle"
	}
}

// session binds one remote chat to one task execution. All fields are
// guarded by the service mutex; outbound calls never run under it.
type session struct {
	target channel.Target
	taskID string

	phase              phase
	streamingMessageID string
	sentChunks         []string
	flushedLen         int
	lastSentAt         time.Time
	lastStatusAck      execution.Status

	// pending holds the latest full streamed content awaiting flush. Ticks
	// during the throttle window overwrite it; only the newest content is
	// ever flushed.
	pending        string
	dirty          bool
	flushing       bool
	timer          *time.Timer
	terminalStatus execution.Status
}

func (sess *session) cancelTimer() {
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
}

// SessionInfo is a read-only snapshot of a live session.
type SessionInfo struct {
	Target             channel.Target
	TaskID             string
	Phase              string
	StreamingMessageID string
	SentChunks         []string
	LastSentAt         time.Time
	LastStatusAck      execution.Status
}

func (sess *session) snapshot() SessionInfo {
	return SessionInfo{
		Target:             sess.target,
		TaskID:             sess.taskID,
		Phase:              sess.phase.String(),
		StreamingMessageID: sess.streamingMessageID,
		SentChunks:         append([]string(nil), sess.sentChunks...),
		LastSentAt:         sess.lastSentAt,
		LastStatusAck:      sess.lastStatusAck,
	}
}
