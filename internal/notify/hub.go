package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultHubBuffer = 64

// Hub is in-process group broadcaster for single-node deployments.
// Params: per-subscriber buffer size and logger.
// Returns: broadcaster with explicit subscription lifecycle.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewHub creates empty hub.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer, logger: logger}
}

// Subscription is one connected client with its group memberships.
type Subscription struct {
	hub    *Hub
	userID string
	ch     chan Message

	mu     sync.Mutex
	groups map[string]struct{}
}

// Subscribe registers client and joins its user and role groups.
// Params: user id and roles.
// Returns: live subscription; call Close to leave all groups.
func (h *Hub) Subscribe(userID string, roles []string) *Subscription {
	sub := &Subscription{
		hub:    h,
		userID: strings.TrimSpace(userID),
		ch:     make(chan Message, h.buffer),
		groups: map[string]struct{}{UserGroup(userID): {}},
	}
	for _, role := range roles {
		if strings.TrimSpace(role) != "" {
			sub.groups[RoleGroup(role)] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Broadcast delivers message to every subscriber in group without blocking.
// Params: context, group, and message.
// Returns: context error only; full subscriber buffers drop the message.
func (h *Hub) Broadcast(ctx context.Context, group string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.member(group) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
			if h.logger != nil {
				h.logger.Warn("hub subscriber buffer full", "user_id", sub.userID, "group", group, "event", msg.Event)
			}
		}
	}
	return nil
}

// Len returns number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns number of messages dropped on full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Messages returns receive channel; it is closed by Close.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// JoinDevice adds device group membership.
func (s *Subscription) JoinDevice(deviceID string) {
	s.mu.Lock()
	s.groups[DeviceGroup(deviceID)] = struct{}{}
	s.mu.Unlock()
}

// LeaveDevice removes device group membership.
func (s *Subscription) LeaveDevice(deviceID string) {
	s.mu.Lock()
	delete(s.groups, DeviceGroup(deviceID))
	s.mu.Unlock()
}

// Close removes subscriber from hub and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	delete(s.hub.subs, s)
	close(s.ch)
}

func (s *Subscription) member(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[group]
	return ok
}
