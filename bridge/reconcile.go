package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/QurzEditer/talkcody/channel"
)

// onExecutionTick runs on every execution feed change and reconciles each
// live session against its bound execution.
func (s *Service) onExecutionTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for _, sess := range s.sessions {
		s.reconcileLocked(sess)
	}
}

func (s *Service) reconcileLocked(sess *session) {
	if sess.phase == phaseDone {
		// Terminal already acknowledged. The final flush or the notice may
		// still be owed after a transient adapter failure; re-drive it.
		if sess.terminalStatus != "" {
			s.maybeFlushLocked(sess)
		}
		return
	}
	exec, ok := s.execs.Get(sess.taskID)
	if !ok {
		// The bound task may not have started yet.
		return
	}

	// Content is append-only: longer than what reached the remote message
	// means there is something new to flush.
	if len(exec.StreamingContent) > sess.flushedLen && exec.StreamingContent != sess.pending {
		sess.pending = exec.StreamingContent
		sess.dirty = true
	}

	if exec.Status.Terminal() {
		if sess.lastStatusAck == exec.Status {
			return
		}
		// Ack before any flush runs so repeated terminal ticks are no-ops.
		sess.lastStatusAck = exec.Status
		sess.terminalStatus = exec.Status
		sess.phase = phaseDone
		s.maybeFlushLocked(sess)
		return
	}

	if sess.dirty {
		s.maybeFlushLocked(sess)
	}
}

// maybeFlushLocked starts a flush for the session unless one is in flight
// or the throttle window is still open, in which case a timer is armed for
// the remainder. At most one outbound call per session is in flight at a
// time, which keeps per-session ordering.
func (s *Service) maybeFlushLocked(sess *session) {
	if sess.flushing {
		return
	}
	if !sess.dirty && sess.terminalStatus == "" {
		return
	}
	if sess.dirty {
		if wait := s.throttle - s.nowFn().Sub(sess.lastSentAt); wait > 0 {
			s.armTimerLocked(sess, wait)
			return
		}
	}
	sess.flushing = true
	go s.flush(sess.target)
}

func (s *Service) armTimerLocked(sess *session, wait time.Duration) {
	if sess.timer != nil {
		return
	}
	target := sess.target
	sess.timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running {
			return
		}
		sess, ok := s.sessions[target]
		if !ok {
			return
		}
		sess.timer = nil
		s.maybeFlushLocked(sess)
	})
}

// flush performs one outbound step for the session: the buffered content
// (send on first flush, edit afterwards), then the terminal notice if one
// is owed and nothing newer is buffered.
func (s *Service) flush(target channel.Target) {
	ctx := context.Background()

	s.mu.Lock()
	sess, ok := s.sessions[target]
	if !ok || !s.running {
		if ok {
			sess.flushing = false
		}
		s.mu.Unlock()
		return
	}
	doContent := sess.dirty
	content := sess.pending
	messageID := sess.streamingMessageID
	s.mu.Unlock()

	if doContent {
		var newID string
		var err error
		if messageID == "" {
			newID, err = s.send(ctx, target, content)
		} else {
			err = s.edit(ctx, target, messageID, content)
		}

		s.mu.Lock()
		sess, ok = s.sessions[target]
		if !ok {
			s.mu.Unlock()
			return
		}
		if err != nil {
			// Buffered content is retained; the next tick retries.
			sess.flushing = false
			s.mu.Unlock()
			s.logger.Warn("bridge_flush_error", "target", target.String(), "task_id", sess.taskID, "error", err.Error())
			return
		}
		if newID != "" {
			sess.streamingMessageID = newID
			if sess.phase == phaseIdle {
				sess.phase = phaseStreaming
			}
		}
		if len(content) > sess.flushedLen {
			sess.sentChunks = append(sess.sentChunks, content[sess.flushedLen:])
			sess.flushedLen = len(content)
		}
		sess.lastSentAt = s.nowFn()
		sess.dirty = len(sess.pending) > sess.flushedLen
		if sess.dirty {
			// Newer content arrived during the call; flush it after the
			// next throttle window.
			sess.flushing = false
			s.armTimerLocked(sess, s.throttle)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	sess, ok = s.sessions[target]
	if !ok {
		s.mu.Unlock()
		return
	}
	if sess.terminalStatus == "" {
		sess.flushing = false
		s.mu.Unlock()
		return
	}
	taskID := sess.taskID
	status := sess.terminalStatus
	s.mu.Unlock()

	notice := fmt.Sprintf("task %s %s", taskID, status)
	if _, err := s.send(ctx, target, notice); err != nil {
		// The notice is still owed; the next tick retries it.
		s.logger.Warn("bridge_terminal_error", "target", target.String(), "task_id", taskID, "error", err.Error())
		s.mu.Lock()
		if sess, ok := s.sessions[target]; ok {
			sess.flushing = false
		}
		s.mu.Unlock()
		return
	}
	s.logger.Info("bridge_task_done", "target", target.String(), "task_id", taskID, "status", string(status))

	s.mu.Lock()
	s.removeSessionLocked(target)
	s.mu.Unlock()
}
