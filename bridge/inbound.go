package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/QurzEditer/talkcody/channel"
)

const helpText = `commands:
/task <prompt>   start a new task (alias /new)
/status          show the bound task and its status
/cancel          cancel the bound task
/approve <id>    approve a pending edit
/reject <id>     reject a pending edit
plain text starts a task, or continues the bound one`

// onInbound routes one remote message to an internal command. Free text
// continues the bound task when a session exists and starts a new task
// otherwise.
func (s *Service) onInbound(msg channel.Inbound) {
	if !s.Running() {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	target := channel.Target{ChannelID: msg.ChannelID, ChatID: msg.ChatID}

	cmd, rest := splitCommand(text)
	switch cmd {
	case "/help":
		s.reply(target, helpText)
	case "/task", "/new":
		if rest == "" {
			s.reply(target, "usage: /task <prompt>")
			return
		}
		s.startTask(target, rest)
	case "/cancel":
		s.cancelTask(target)
	case "/status":
		s.reportStatus(target)
	case "/approve":
		s.handleApprovalReply(target, rest, true)
	case "/reject":
		s.handleApprovalReply(target, rest, false)
	default:
		switch strings.ToLower(text) {
		case "approve", "yes":
			s.handleApprovalReply(target, "", true)
		case "reject", "no":
			s.handleApprovalReply(target, "", false)
		default:
			s.routeText(target, text)
		}
	}
}

func splitCommand(text string) (cmd, rest string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, rest, _ = strings.Cut(text, " ")
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

// routeText treats free text as a continuation of the bound task, or as a
// new task request when the chat has no live session.
func (s *Service) routeText(target channel.Target, text string) {
	s.mu.Lock()
	sess, ok := s.sessions[target]
	var taskID string
	if ok && sess.phase != phaseDone {
		taskID = sess.taskID
	}
	s.mu.Unlock()

	if taskID == "" {
		s.startTask(target, text)
		return
	}
	if err := s.runner.Continue(context.Background(), taskID, text); err != nil {
		s.logger.Warn("bridge_continue_error", "task_id", taskID, "error", err.Error())
		s.reply(target, fmt.Sprintf("task %s is not accepting input", taskID))
	}
}

// startTask binds a fresh task to the chat. A new session replaces any
// previous one for the same channel+chat key.
func (s *Service) startTask(target channel.Target, prompt string) {
	taskID, err := s.runner.Start(context.Background(), prompt)
	if err != nil {
		s.logger.Warn("bridge_task_start_error", "target", target.String(), "error", err.Error())
		s.reply(target, "could not start task: "+err.Error())
		return
	}

	s.mu.Lock()
	s.removeSessionLocked(target)
	s.sessions[target] = &session{target: target, taskID: taskID}
	s.mu.Unlock()

	s.logger.Info("bridge_session_bound", "target", target.String(), "task_id", taskID)
	s.reply(target, "started task "+taskID)
}

func (s *Service) cancelTask(target channel.Target) {
	s.mu.Lock()
	sess, ok := s.sessions[target]
	var taskID string
	if ok {
		taskID = sess.taskID
	}
	s.mu.Unlock()

	if taskID == "" {
		s.reply(target, "no active task")
		return
	}
	if err := s.runner.Cancel(taskID); err != nil {
		s.reply(target, fmt.Sprintf("task %s is not running", taskID))
		return
	}
	s.reply(target, "cancelling task "+taskID)
}

func (s *Service) reportStatus(target channel.Target) {
	s.mu.Lock()
	sess, ok := s.sessions[target]
	var taskID string
	if ok {
		taskID = sess.taskID
	}
	s.mu.Unlock()

	if taskID == "" {
		s.reply(target, "no active task")
		return
	}
	exec, found := s.execs.Get(taskID)
	if !found {
		s.reply(target, fmt.Sprintf("task %s pending", taskID))
		return
	}
	s.reply(target, fmt.Sprintf("task %s %s", exec.TaskID, exec.Status))
}

// handleApprovalReply resolves an approval by id, or by the single pending
// relay for the chat when no id is given. Stale references get a
// user-facing notice rather than an error.
func (s *Service) handleApprovalReply(target channel.Target, id string, approved bool) {
	if id == "" {
		ids := s.relayIDsFor(target)
		switch len(ids) {
		case 0:
			s.reply(target, "no approvals pending")
			return
		case 1:
			id = ids[0]
		default:
			s.reply(target, "multiple approvals pending, use /approve <id>")
			return
		}
	}

	s.mu.Lock()
	entry, ok := s.relays[id]
	if ok && entry.target == target {
		delete(s.relays, id)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		s.reply(target, fmt.Sprintf("approval %s is no longer pending", id))
		return
	}
	if _, err := s.approvals.Resolve(id, approved); err != nil {
		s.reply(target, fmt.Sprintf("approval %s is no longer pending", id))
		return
	}
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	s.logger.Info("bridge_approval_resolved", "approval_id", id, "approved", approved)
	s.reply(target, verdict+" "+id)
}

func (s *Service) relayIDsFor(target channel.Target) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, entry := range s.relays {
		if entry.target == target {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
