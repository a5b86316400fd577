package bridge

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/QurzEditer/talkcody/approval"
	"github.com/QurzEditer/talkcody/channel"
)

// onApprovalTick relays newly pending approval items to the chat owning the
// task and drops relay entries whose items were resolved elsewhere.
func (s *Service) onApprovalTick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	pending := s.approvals.Pending()

	live := make(map[string]bool, len(pending))
	for _, item := range pending {
		live[item.ID] = true
	}
	// Resolved elsewhere: drop silently, never race a stale decision with
	// a further remote message.
	for id := range s.relays {
		if !live[id] {
			delete(s.relays, id)
		}
	}

	type outbound struct {
		item   approval.Item
		target channel.Target
	}
	var toSend []outbound
	for _, item := range pending {
		if _, ok := s.relays[item.ID]; ok {
			continue
		}
		target, ok := s.targetForTaskLocked(item.TaskID)
		if !ok {
			// No chat is bound to this task; leave the item for the
			// primary UI.
			continue
		}
		s.relays[item.ID] = &relayEntry{target: target, taskID: item.TaskID}
		toSend = append(toSend, outbound{item: item, target: target})
	}
	s.mu.Unlock()

	for _, out := range toSend {
		id, err := s.send(context.Background(), out.target, renderApproval(out.item))
		if err != nil {
			s.logger.Warn("bridge_relay_error", "approval_id", out.item.ID, "error", err.Error())
			continue
		}
		s.mu.Lock()
		if entry, ok := s.relays[out.item.ID]; ok {
			entry.messageID = id
		}
		s.mu.Unlock()
		s.logger.Info("bridge_approval_relayed", "approval_id", out.item.ID, "target", out.target.String())
	}
}

func (s *Service) targetForTaskLocked(taskID string) (channel.Target, bool) {
	for target, sess := range s.sessions {
		if sess.taskID == taskID {
			return target, true
		}
	}
	return channel.Target{}, false
}

type approvalDetail struct {
	Task    string `yaml:"task"`
	Path    string `yaml:"path"`
	Summary string `yaml:"summary,omitempty"`
}

// renderApproval formats a pending edit for a remote chat: a YAML detail
// block, the diff when present, and the reply hint.
func renderApproval(item approval.Item) string {
	detail, err := yaml.Marshal(approvalDetail{Task: item.TaskID, Path: item.Path, Summary: item.Summary})
	if err != nil {
		detail = []byte("path: " + item.Path + "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "approval %s requested\n\n", item.ID)
	b.Write(detail)
	if diff := strings.TrimSpace(item.Diff); diff != "" {
		b.WriteString("\n")
		b.WriteString(diff)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nreply /approve %s or /reject %s", item.ID, item.ID)
	return b.String()
}
