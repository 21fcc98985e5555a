/*
Package core provides conversation history storage for the parley gateway.

This file implements a thread-safe, in-memory, append-only log of
conversation turns keyed by session identifier. Turns are kept for the life
of the process; nothing is ever evicted, truncated or rewritten.

Key components:
- HistoryStore: the storage contract used by the conversation pipeline
- MemoryHistoryStore: map of per-session logs with per-session locking
- FormatConversationContext: renders recent turns for LLM prompts
*/
package core

import (
	"fmt"
	"strings"
	"sync"

	"parley/protocol"

	"github.com/sirupsen/logrus"
)

// HistoryStore is an append-only per-session message log.
type HistoryStore interface {
	// Append adds msg to the end of the session's log, creating it on first use.
	Append(sessionID string, msg protocol.ConversationMessage)
	// Get returns a copy of the session's log in insertion order, or an empty slice.
	Get(sessionID string) []protocol.ConversationMessage
	// Recent returns at most limit of the newest messages in insertion order.
	Recent(sessionID string, limit int) []protocol.ConversationMessage
	// Stats reports session and message counts.
	Stats() HistoryStats
}

// HistoryStats summarizes the contents of a history store.
type HistoryStats struct {
	TotalSessions int `json:"totalSessions"`
	TotalMessages int `json:"totalMessages"`
}

// sessionLog is the ordered list of turns for one session. Appends to the
// same session are serialized by its own mutex so sessions never contend
// with each other.
type sessionLog struct {
	mutex    sync.RWMutex
	messages []protocol.ConversationMessage
}

// MemoryHistoryStore keeps every session's turns in process memory.
type MemoryHistoryStore struct {
	sessions map[string]*sessionLog
	mutex    sync.RWMutex // guards the sessions map only
	logger   *logrus.Entry
}

// NewMemoryHistoryStore creates an empty history store.
//
// Parameters:
//   - logger: Logger instance for operational monitoring
//
// Returns:
//   - *MemoryHistoryStore: Store ready for use
func NewMemoryHistoryStore(logger *logrus.Logger) *MemoryHistoryStore {
	return &MemoryHistoryStore{
		sessions: make(map[string]*sessionLog),
		logger:   logger.WithField("component", "history"),
	}
}

// session returns the log for sessionID, creating it when create is true.
func (m *MemoryHistoryStore) session(sessionID string, create bool) *sessionLog {
	m.mutex.RLock()
	log, exists := m.sessions[sessionID]
	m.mutex.RUnlock()
	if exists || !create {
		return log
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if log, exists = m.sessions[sessionID]; !exists {
		log = &sessionLog{}
		m.sessions[sessionID] = log
		m.logger.WithField("sessionID", sessionID).Info("Created new conversation session")
	}
	return log
}

// Append adds msg to the end of the session's log.
func (m *MemoryHistoryStore) Append(sessionID string, msg protocol.ConversationMessage) {
	log := m.session(sessionID, true)

	log.mutex.Lock()
	log.messages = append(log.messages, msg)
	count := len(log.messages)
	log.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"sessionID":    sessionID,
		"messageType":  msg.Type,
		"messageCount": count,
	}).Debug("Appended conversation message")
}

// Get returns a copy of the session's log. Unknown sessions yield an empty,
// non-nil slice.
func (m *MemoryHistoryStore) Get(sessionID string) []protocol.ConversationMessage {
	return m.Recent(sessionID, -1)
}

// Recent returns at most limit of the newest turns. A negative limit returns
// the whole log.
func (m *MemoryHistoryStore) Recent(sessionID string, limit int) []protocol.ConversationMessage {
	log := m.session(sessionID, false)
	if log == nil {
		return []protocol.ConversationMessage{}
	}

	log.mutex.RLock()
	defer log.mutex.RUnlock()

	messages := log.messages
	if limit >= 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]protocol.ConversationMessage, len(messages))
	copy(out, messages)
	return out
}

// Stats reports the number of sessions and stored turns.
func (m *MemoryHistoryStore) Stats() HistoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := HistoryStats{TotalSessions: len(m.sessions)}
	for _, log := range m.sessions {
		log.mutex.RLock()
		stats.TotalMessages += len(log.messages)
		log.mutex.RUnlock()
	}
	return stats
}

// FormatConversationContext renders turns as a plain-text transcript suitable
// for inclusion in a prompt. It returns an empty string when there is no history.
func FormatConversationContext(messages []protocol.ConversationMessage) string {
	if len(messages) == 0 {
		return ""
	}

	var context strings.Builder
	context.WriteString("Previous conversation context:\n")
	for _, msg := range messages {
		switch msg.Type {
		case protocol.MessageUser:
			context.WriteString(fmt.Sprintf("Human: %s\n", msg.Content))
		case protocol.MessageAssistant:
			context.WriteString(fmt.Sprintf("Assistant: %s\n", msg.Content))
		}
	}
	return context.String()
}
