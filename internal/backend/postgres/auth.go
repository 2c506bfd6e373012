package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/changefeed"
	"anoa.com/communityforum/pkg/validator"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// revokedChannel fans sign-outs out to every instance.
const revokedChannel = "sessions:revoked"

func (b *Backend) GetSession(ctx context.Context, token string) (*backend.Session, error) {
	return b.tokens.Verify(ctx, token)
}

func (b *Backend) OnSessionChange(fn func(backend.SessionChange)) func() {
	b.listenersMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.listenersMu.Unlock()
	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}
}

func (b *Backend) notify(change backend.SessionChange) {
	b.listenersMu.Lock()
	fns := make([]func(backend.SessionChange), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenersMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// WatchSessions turns profile changes and sign-outs published by any instance
// into OnSessionChange callbacks. It blocks until ctx is done.
func (b *Backend) WatchSessions(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, changefeed.Channel(backend.TableProfiles), revokedChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("watch sessions: %v: %w", err, apperror.ErrTransientNetwork)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("watch sessions: %w", backend.ErrFeedDisconnected)
			}
			if change, ok := decodeSessionChange(msg.Channel, msg.Payload); ok {
				b.notify(change)
			}
		}
	}
}

func decodeSessionChange(channel, payload string) (backend.SessionChange, bool) {
	if channel == revokedChannel {
		var change backend.SessionChange
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			log.Printf("postgres: dropping malformed revocation: %v", err)
			return backend.SessionChange{}, false
		}
		change.Kind = backend.SessionSignedOut
		return change, true
	}
	var ev backend.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("postgres: dropping malformed profile event: %v", err)
		return backend.SessionChange{}, false
	}
	return backend.SessionChange{Kind: backend.SessionProfileChanged, UserID: ev.ID}, true
}

func (b *Backend) GetProfile(ctx context.Context, id uuid.UUID) (*entity.Profile, error) {
	var p entity.Profile
	if err := b.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, mapError(err, fmt.Sprintf("profile %s", id))
	}
	return &p, nil
}

func (b *Backend) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	var p entity.Profile
	err := b.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("invalid email or password: %w", apperror.ErrAuthenticationRequired)
	}
	if err != nil {
		return nil, mapError(err, "sign in")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid email or password: %w", apperror.ErrAuthenticationRequired)
	}
	s, err := b.tokens.Issue(p.ID)
	if err != nil {
		return nil, err
	}
	b.notify(backend.SessionChange{Kind: backend.SessionSignedIn, UserID: p.ID, Token: s.Token})
	return s, nil
}

func (b *Backend) SignUp(ctx context.Context, input backend.SignUpInput) (*backend.Session, error) {
	if err := validator.Validate(input); err != nil {
		return nil, err
	}
	var taken int64
	err := b.db.WithContext(ctx).Model(&entity.Profile{}).
		Where("LOWER(email) = ? OR username = ?", strings.ToLower(input.Email), input.Username).
		Count(&taken).Error
	if err != nil {
		return nil, mapError(err, "sign up")
	}
	if taken > 0 {
		return nil, fmt.Errorf("username or email already registered: %w", apperror.ErrConflict)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	p := &entity.Profile{
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: string(hash),
		Role:         entity.RoleUser,
	}
	if err := b.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, mapError(err, "profile "+input.Username)
	}
	b.publish(ctx, backend.EventInsert, backend.TableProfiles, p.ID, nil, p)

	s, err := b.tokens.Issue(p.ID)
	if err != nil {
		return nil, err
	}
	b.notify(backend.SessionChange{Kind: backend.SessionSignedIn, UserID: p.ID, Token: s.Token})
	return s, nil
}

func (b *Backend) SignOut(ctx context.Context, token string) error {
	userID, revoked, err := b.tokens.Revoke(ctx, token)
	if err != nil || !revoked {
		return err
	}
	payload, err := json.Marshal(backend.SessionChange{Kind: backend.SessionSignedOut, UserID: userID, Token: token})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := b.rdb.Publish(ctx, revokedChannel, payload).Err(); err != nil {
		log.Printf("postgres: publish revocation: %v", err)
	}
	return nil
}
