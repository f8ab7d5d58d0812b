// Package session manages the session lifecycle (NEW/ACTIVE/IDLE/CLOSED) on
// top of internal/store, minting session ids and enforcing the idle-timeout
// and max-duration policy.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/voxturn/internal/store"
)

// Manager mints and tracks sessions against a Store.
type Manager struct {
	store       *store.Store
	idleTimeout time.Duration
	maxDuration time.Duration
}

// New builds a Manager with the process-wide idle timeout and max session
// duration defaults; a session's create call may not currently override
// these (both are process-wide per the configuration design).
func New(st *store.Store, idleTimeout, maxDuration time.Duration) *Manager {
	return &Manager{store: st, idleTimeout: idleTimeout, maxDuration: maxDuration}
}

// Create mints a new session id and persists a NEW-state session record.
func (m *Manager) Create(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()
	if err := m.store.CreateSession(ctx, id, userID, m.idleTimeout, m.maxDuration); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// Get returns the session's persisted data, or nil if it does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*store.SessionData, error) {
	return m.store.GetSession(ctx, id)
}

// Touch records activity on the session, transitioning NEW/IDLE to ACTIVE.
func (m *Manager) Touch(ctx context.Context, id string) (bool, error) {
	return m.store.TouchActivity(ctx, id)
}

// Close marks the session CLOSED.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.store.CloseSession(ctx, id)
}

// CheckIdle reports whether the session has exceeded the idle timeout.
func (m *Manager) CheckIdle(ctx context.Context, id string) (bool, error) {
	return m.store.CheckIdle(ctx, id, m.idleTimeout)
}

// CheckTimeout reports whether the session has exceeded its max duration.
func (m *Manager) CheckTimeout(ctx context.Context, id string) (bool, error) {
	return m.store.CheckTimeout(ctx, id, m.maxDuration)
}

// SweepIdleAndExpired walks the active-session set, marking idle sessions
// IDLE and closing those that exceeded their max duration. It mirrors the
// background cleanup loop the session manager this is grounded on runs
// periodically.
func (m *Manager) SweepIdleAndExpired(ctx context.Context) error {
	ids, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("sweep: list active sessions: %w", err)
	}

	for _, id := range ids {
		timedOut, err := m.CheckTimeout(ctx, id)
		if err != nil {
			continue
		}
		if timedOut {
			_ = m.Close(ctx, id)
			continue
		}

		idle, err := m.CheckIdle(ctx, id)
		if err != nil {
			continue
		}
		if idle {
			data, err := m.Get(ctx, id)
			if err != nil || data == nil {
				continue
			}
			if data.State == store.StateActive {
				_ = m.store.UpdateState(ctx, id, store.StateIdle)
			}
		}
	}
	return nil
}
