// Package ws provides the WebSocket chat transport.
package ws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks open chat connections per user and browser tab.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Get returns the connection of a user's tab.
func (m *ConnManager) Get(userID, tabID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tabs, ok := m.active[userID]; ok {
		return tabs[tabID]
	}
	return nil
}

// Count returns how many tabs of userID are connected.
func (m *ConnManager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// Register adds a connection, closing any older one for the same tab.
func (m *ConnManager) Register(userID, tabID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[userID][tabID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	m.active[userID][tabID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "tab_id", tabID)
}

// Unregister removes conn if it is still the tab's current connection.
func (m *ConnManager) Unregister(userID, tabID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tabs, ok := m.active[userID]
	if !ok {
		return
	}
	if current, exists := tabs[tabID]; exists && current == conn {
		delete(tabs, tabID)
		if len(tabs) == 0 {
			delete(m.active, userID)
		}
		slog.Info("Chat connection unregistered", "user_id", userID, "tab_id", tabID)
	}
}

// CloseUser closes every connection of userID, e.g. on sign-out or idle expiry.
func (m *ConnManager) CloseUser(userID string) {
	m.mu.Lock()
	tabs := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	for tab, conn := range tabs {
		_ = conn.Close(websocket.StatusNormalClosure, "signed out")
		slog.Info("Chat connection closed", "user_id", userID, "tab_id", tab)
	}
}
