package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"tenantstore/internal/apperr"
	"tenantstore/internal/models"
	"tenantstore/internal/store"
)

const (
	DefaultTokenValidity = 30 * 24 * time.Hour
)

var sessionsNS = store.Namespace{Database: "_system", Collection: "sessions"}

// Session is an issued bearer token's claims.
type Session struct {
	Principal models.Principal `json:"principal"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Manager issues and validates opaque bearer tokens. Only the token's hash is
// persisted.
type Manager struct {
	engine   store.Engine
	validity time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*Session
}

// New creates a new Manager
func New(engine store.Engine, validity time.Duration) *Manager {
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	return &Manager{
		engine:   engine,
		validity: validity,
		now:      time.Now,
		cache:    make(map[string]*Session),
	}
}

// HashToken returns the SHA-256 hex digest under which a token is stored.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Issue creates a token bound to p.
func (m *Manager) Issue(ctx context.Context, p models.Principal) (string, *Session, error) {
	if p.UserID == "" || p.ProjectName == "" {
		return "", nil, apperr.New(apperr.InvalidArgument, "userId and project are required")
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", nil, apperr.Internalf(err, "Failed to generate token")
	}
	token := hex.EncodeToString(tokenBytes)

	now := m.now().UTC().Truncate(time.Millisecond)
	sess := &Session{Principal: p, CreatedAt: now, ExpiresAt: now.Add(m.validity)}

	doc := store.Document{
		store.IDField: HashToken(token),
		"userId":      p.UserID,
		"projectId":   p.ProjectID,
		"projectName": p.ProjectName,
		"createTime":  sess.CreatedAt,
		"expireTime":  sess.ExpiresAt,
	}
	if err := m.engine.Insert(ctx, sessionsNS, doc); err != nil {
		return "", nil, apperr.Internalf(err, "Failed to store token")
	}

	m.mu.Lock()
	m.cache[doc.ID()] = sess
	m.mu.Unlock()

	return token, sess, nil
}

// Validate returns the principal of a live token. A missing token is
// Unauthenticated; an unknown or expired one is PermissionDenied.
func (m *Manager) Validate(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, ErrTokenRequired()
	}
	key := HashToken(token)

	m.mu.RLock()
	sess, ok := m.cache[key]
	m.mu.RUnlock()

	if !ok {
		doc, err := m.engine.Get(ctx, sessionsNS, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid()
		}
		if err != nil {
			return nil, apperr.Internalf(err, "Failed to load token")
		}
		sess = sessionFromDocument(doc)

		m.mu.Lock()
		m.cache[key] = sess
		m.mu.Unlock()
	}

	if m.now().After(sess.ExpiresAt) {
		m.forget(ctx, key)
		return nil, ErrTokenInvalid()
	}
	p := sess.Principal
	return &p, nil
}

// Revoke deletes a token. Unknown tokens are ignored.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return ErrTokenRequired()
	}
	return m.forget(ctx, HashToken(token))
}

func (m *Manager) forget(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	err := m.engine.Delete(ctx, sessionsNS, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperr.Internalf(err, "Failed to revoke token")
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func ErrTokenRequired() *apperr.Error {
	return apperr.New(apperr.Unauthenticated, "Access token required")
}

func ErrTokenInvalid() *apperr.Error {
	return apperr.New(apperr.PermissionDenied, "Invalid or expired token")
}

func sessionFromDocument(doc store.Document) *Session {
	s := &Session{}
	s.Principal.UserID, _ = doc["userId"].(string)
	s.Principal.ProjectID, _ = doc["projectId"].(string)
	s.Principal.ProjectName, _ = doc["projectName"].(string)
	s.CreatedAt, _ = doc["createTime"].(time.Time)
	s.ExpiresAt, _ = doc["expireTime"].(time.Time)
	return s
}
