package ui

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrSocketNotFound = errors.New("socket not registered")

// Socket is the outbound half of a dashboard connection. SendRaw must not block.
type Socket interface {
	ID() string
	SendRaw(data []byte) error
	Close() error
}

type client struct {
	socket        Socket
	userID        string
	subscriptions map[string]struct{}
}

// Registry tracks dashboard sockets in three indexes: all sockets, sockets
// per user and sockets per subscribed device. Every mutation updates all of
// them under one lock, and Remove is the single place that unwinds a socket.
type Registry struct {
	mu       sync.RWMutex
	sockets  map[string]*client
	byUser   map[string]map[string]*client
	byDevice map[string]map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{
		sockets:  make(map[string]*client),
		byUser:   make(map[string]map[string]*client),
		byDevice: make(map[string]map[string]*client),
	}
}

// Add registers socket for userID. Adding an already registered socket
// re-registers it with no subscriptions.
func (r *Registry) Add(userID string, socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sockets[socket.ID()]; ok {
		r.removeLocked(socket.ID())
	}

	c := &client{
		socket:        socket,
		userID:        userID,
		subscriptions: make(map[string]struct{}),
	}
	r.sockets[socket.ID()] = c
	addIndex(r.byUser, userID, c)

	slog.Debug("UI socket added", "socket_id", socket.ID(), "user_id", userID, "total_sockets", len(r.sockets))
}

// Remove unregisters socket from every index. It is safe to call more than
// once and returns false if the socket was not registered.
func (r *Registry) Remove(socket Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(socket.ID())
}

func (r *Registry) removeLocked(socketID string) bool {
	c, ok := r.sockets[socketID]
	if !ok {
		return false
	}

	for deviceID := range c.subscriptions {
		removeIndex(r.byDevice, deviceID, socketID)
	}
	removeIndex(r.byUser, c.userID, socketID)
	delete(r.sockets, socketID)

	slog.Debug("UI socket removed", "socket_id", socketID, "user_id", c.userID, "total_sockets", len(r.sockets))
	return true
}

func (r *Registry) Subscribe(socket Socket, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sockets[socket.ID()]
	if !ok {
		return ErrSocketNotFound
	}
	c.subscriptions[deviceID] = struct{}{}
	addIndex(r.byDevice, deviceID, c)
	return nil
}

func (r *Registry) Unsubscribe(socket Socket, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sockets[socket.ID()]
	if !ok {
		return ErrSocketNotFound
	}
	delete(c.subscriptions, deviceID)
	removeIndex(r.byDevice, deviceID, socket.ID())
	return nil
}

// Subscriptions returns the device ids socket is subscribed to, sorted.
func (r *Registry) Subscriptions(socket Socket) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.sockets[socket.ID()]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(c.subscriptions))
	for deviceID := range c.subscriptions {
		result = append(result, deviceID)
	}
	sort.Strings(result)
	return result
}

// BroadcastToDevice sends payload to every socket subscribed to deviceID and
// returns how many accepted it.
func (r *Registry) BroadcastToDevice(deviceID string, payload any) int {
	r.mu.RLock()
	targets := collect(r.byDevice[deviceID])
	r.mu.RUnlock()
	return r.deliver(targets, payload)
}

func (r *Registry) BroadcastToUser(userID string, payload any) int {
	r.mu.RLock()
	targets := collect(r.byUser[userID])
	r.mu.RUnlock()
	return r.deliver(targets, payload)
}

func (r *Registry) BroadcastAll(payload any) int {
	r.mu.RLock()
	targets := collect(r.sockets)
	r.mu.RUnlock()
	return r.deliver(targets, payload)
}

// deliver runs without the registry lock. A socket that rejects the payload
// is dropped and closed; it never aborts the loop.
func (r *Registry) deliver(targets []Socket, payload any) int {
	if len(targets) == 0 {
		return 0
	}

	data, err := encode(payload)
	if err != nil {
		slog.Error("Failed to encode broadcast payload", "error", err)
		return 0
	}

	sent := 0
	for _, socket := range targets {
		if err := socket.SendRaw(data); err != nil {
			slog.Warn("Dropping UI socket after failed send", "socket_id", socket.ID(), "error", err)
			r.Remove(socket)
			_ = socket.Close()
			continue
		}
		sent++
	}
	return sent
}

// RemoveAllForUser closes and unregisters every socket of userID.
func (r *Registry) RemoveAllForUser(userID string) int {
	r.mu.Lock()
	targets := collect(r.byUser[userID])
	for _, socket := range targets {
		r.removeLocked(socket.ID())
	}
	r.mu.Unlock()

	for _, socket := range targets {
		if err := socket.Close(); err != nil {
			slog.Debug("Error closing UI socket", "socket_id", socket.ID(), "error", err)
		}
	}

	if len(targets) > 0 {
		slog.Info("Revoked UI sessions", "user_id", userID, "count", len(targets))
	}
	return len(targets)
}

func (r *Registry) CountDeviceSubscribers(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice[deviceID])
}

func (r *Registry) CountUserSockets(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// CloseAll closes every socket, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := collect(r.sockets)
	for _, socket := range targets {
		r.removeLocked(socket.ID())
	}
	r.mu.Unlock()

	for _, socket := range targets {
		_ = socket.Close()
	}
}

func encode(payload any) ([]byte, error) {
	if data, ok := payload.([]byte); ok {
		return data, nil
	}
	return json.Marshal(payload)
}

func collect(index map[string]*client) []Socket {
	result := make([]Socket, 0, len(index))
	for _, c := range index {
		result = append(result, c.socket)
	}
	return result
}

func addIndex(index map[string]map[string]*client, key string, c *client) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*client)
		index[key] = set
	}
	set[c.socket.ID()] = c
}

func removeIndex(index map[string]map[string]*client, key, socketID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(index, key)
	}
}
