// Package session resolves a caller's identity in two phases. The raw token
// is established at once; the profile that carries role and ban state is
// hydrated in the background. Until hydration lands the session is Pending
// and authorizes nothing.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
)

type State int

const (
	StateAnonymous State = iota
	StatePending
	StateActive
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	default:
		return "anonymous"
	}
}

type Snapshot struct {
	State   State
	Token   string
	UserID  uuid.UUID
	Profile *entity.Profile
	// Err is the reason the last hydration failed, if it did.
	Err error
}

type Session struct {
	auth backend.Auth

	mu      sync.Mutex
	state   State
	token   string
	userID  uuid.UUID
	profile *entity.Profile
	err     error
	gen     uint64
	closed  bool
	changed chan struct{}

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(auth backend.Auth) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		auth:    auth,
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// broadcast wakes every Wait. Callers hold s.mu.
func (s *Session) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) resetLocked() {
	s.gen++
	s.state = StateAnonymous
	s.token = ""
	s.userID = uuid.Nil
	s.profile = nil
	s.broadcast()
}

// Begin validates token with the backend and enters Pending. An unknown or
// expired token leaves the session Anonymous.
func (s *Session) Begin(ctx context.Context, token string) error {
	raw, err := s.auth.GetSession(ctx, token)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed: %w", apperror.ErrAuthenticationRequired)
	}
	if raw == nil {
		s.resetLocked()
		return fmt.Errorf("session expired or revoked: %w", apperror.ErrAuthenticationRequired)
	}
	s.gen++
	s.state = StatePending
	s.token = raw.Token
	s.userID = raw.UserID
	s.profile = nil
	s.err = nil
	s.broadcast()

	gen := s.gen
	s.wg.Add(1)
	go s.hydrate(gen, raw.UserID)
	return nil
}

func (s *Session) hydrate(gen uint64, userID uuid.UUID) {
	defer s.wg.Done()
	profile, err := s.auth.GetProfile(s.ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	if err != nil {
		log.Printf("session: hydrate profile %s: %v", userID, err)
		s.resetLocked()
		s.err = err
		return
	}
	s.state = StateActive
	s.profile = profile
	s.broadcast()
}

func (s *Session) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	raw, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx, raw.Token); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Session) SignUp(ctx context.Context, input backend.SignUpInput) (*backend.Session, error) {
	raw, err := s.auth.SignUp(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx, raw.Token); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Session) Resolve() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:   s.state,
		Token:   s.token,
		UserID:  s.userID,
		Profile: s.profile.Clone(),
		Err:     s.err,
	}
}

// Wait blocks until the session leaves Pending or ctx is done.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.state != StatePending {
			snap := s.snapshotLocked()
			s.mu.Unlock()
			return snap, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return s.Resolve(), ctx.Err()
		}
	}
}

func (s *Session) Authorize(req Requirement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.profile != nil && !s.profile.IsBanned && req.SatisfiedBy(s.profile.Role)
}

// Require is Authorize with a reason: it returns the acting profile, or
// ErrAuthenticationRequired when nobody is signed in and ErrPermissionDenied
// when the profile is banned or ranked too low.
func (s *Session) Require(req Requirement) (*entity.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.profile == nil {
		return nil, fmt.Errorf("session is %s: %w", s.state, apperror.ErrAuthenticationRequired)
	}
	if s.profile.IsBanned {
		return nil, fmt.Errorf("user %s is banned: %w", s.profile.Username, apperror.ErrPermissionDenied)
	}
	if !req.SatisfiedBy(s.profile.Role) {
		return nil, fmt.Errorf("role %s does not satisfy %s: %w", s.profile.Role, req, apperror.ErrPermissionDenied)
	}
	return s.profile.Clone(), nil
}

// Refresh re-resolves the current token, picking up role and ban changes.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return nil
	}
	return s.Begin(ctx, token)
}

// Logout clears the session before revoking it, so no authorization succeeds
// while the revocation is in flight.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.resetLocked()
	s.err = nil
	s.mu.Unlock()
	if token == "" {
		return nil
	}
	if err := s.auth.SignOut(ctx, token); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Start subscribes to backend session changes. A profile change for this
// session's user triggers Refresh; a sign-out of this token invalidates it.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.auth.OnSessionChange(s.onChange)
}

func (s *Session) onChange(change backend.SessionChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.token == "" {
		return
	}
	switch change.Kind {
	case backend.SessionSignedOut:
		if change.Token == s.token {
			s.resetLocked()
		}
	case backend.SessionProfileChanged:
		if change.UserID != s.userID {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Refresh(s.ctx); err != nil {
				log.Printf("session: refresh after profile change: %v", err)
			}
		}()
	}
}

// Close unsubscribes and discards any hydration still in flight.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.resetLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()
}
