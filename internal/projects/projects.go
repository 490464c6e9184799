// Package projects manages tenants: creation with a sanitized namespace
// name, lookup and API key rotation.
package projects

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tenantstore/internal/apperr"
	"tenantstore/internal/logger"
	"tenantstore/internal/models"
	"tenantstore/internal/store"
)

// SystemDatabase holds platform records; its leading underscore keeps it
// out of the sanitized project name space.
const SystemDatabase = "_system"

// MaxNameLength bounds sanitized project names.
const MaxNameLength = 63

// SystemOwner owns projects created by the server itself.
const SystemOwner = "system"

var (
	projectsNS  = store.Namespace{Database: SystemDatabase, Collection: "projects"}
	invalidRuns = regexp.MustCompile(`[^a-z0-9_]+`)
)

type Service struct {
	engine     store.Engine
	cache      *gocache.Cache
	log        *zap.SugaredLogger
	now        func() time.Time
	bcryptCost int
}

type Option func(*Service)

// WithBcryptCost overrides the API key hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func New(engine store.Engine, cacheTTL time.Duration, opts ...Option) *Service {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	s := &Service{
		engine:     engine,
		cache:      gocache.New(cacheTTL, 2*cacheTTL),
		log:        logger.For(logger.ComponentProjects),
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sanitize turns a display name into a storage namespace name matching
// ^[a-z0-9_]+$.
func Sanitize(displayName string) (string, error) {
	name := invalidRuns.ReplaceAllString(strings.ToLower(displayName), "_")
	name = strings.Trim(name, "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "p_" + name
	}
	if len(name) > MaxNameLength {
		name = strings.TrimRight(name[:MaxNameLength], "_")
	}
	if name == "" {
		return "", apperr.New(apperr.InvalidArgument, "Invalid project name").
			WithCode("InvalidProjectName").
			WithSuggestion("Project names must contain at least one letter or digit")
	}
	return name, nil
}

// Create registers a project owned by ownerID and returns it with its
// plaintext API key, which is not stored.
func (s *Service) Create(ctx context.Context, ownerID, displayName string) (*models.Project, string, error) {
	displayName = strings.TrimSpace(displayName)
	name, err := Sanitize(displayName)
	if err != nil {
		return nil, "", err
	}

	apiKey, hash, err := s.newAPIKey()
	if err != nil {
		return nil, "", apperr.Internalf(err, "Failed to generate API key")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	p := &models.Project{
		ID:          uuid.New().String(),
		Name:        name,
		DisplayName: displayName,
		OwnerID:     ownerID,
		APIKeyHash:  hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.engine.Insert(ctx, projectsNS, toDocument(p))
	if errors.Is(err, store.ErrDuplicate) {
		return nil, "", apperr.New(apperr.Conflict, "Project name already taken").
			WithCode("ProjectAlreadyExists").
			WithSuggestion("Choose a different project name").
			WithDetails(map[string]any{"name": name})
	}
	if err != nil {
		return nil, "", apperr.Internalf(err, "Failed to create project")
	}

	s.log.Infow("Project created", "project", name, "owner", ownerID)
	return p, apiKey, nil
}

// Resolve returns the project named name.
func (s *Service) Resolve(ctx context.Context, name string) (*models.Project, error) {
	if cached, ok := s.cache.Get(name); ok {
		return cached.(*models.Project), nil
	}

	doc, err := s.engine.Get(ctx, projectsNS, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.ProjectNotFound, "Project not found").
			WithDetails(map[string]any{"project": name})
	}
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to load project")
	}

	p := fromDocument(doc)
	s.cache.SetDefault(name, p)
	return p, nil
}

// Exists reports whether a project named name exists.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Resolve(ctx, name)
	if apperr.Is(err, apperr.ProjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RegenerateAPIKey replaces the project's API key. Only the owner may do so.
func (s *Service) RegenerateAPIKey(ctx context.Context, name, callerID string) (string, error) {
	p, err := s.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	if p.OwnerID != callerID {
		return "", apperr.New(apperr.PermissionDenied, "Only the project owner can regenerate the API key").
			WithDetails(map[string]any{"requiredOwner": p.OwnerID, "currentUser": callerID})
	}

	apiKey, hash, err := s.newAPIKey()
	if err != nil {
		return "", apperr.Internalf(err, "Failed to generate API key")
	}
	updated := *p
	updated.APIKeyHash = hash
	updated.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	if err := s.engine.Replace(ctx, projectsNS, toDocument(&updated)); err != nil {
		return "", apperr.Internalf(err, "Failed to save project")
	}
	s.cache.Delete(name)

	s.log.Infow("API key regenerated", "project", name)
	return apiKey, nil
}

// VerifyAPIKey checks apiKey against the project's current key.
func (s *Service) VerifyAPIKey(ctx context.Context, name, apiKey string) (*models.Project, error) {
	p, err := s.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if apiKey == "" || bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(apiKey)) != nil {
		return nil, apperr.New(apperr.Unauthenticated, "Invalid API key")
	}
	return p, nil
}

// EnsurePublic creates the shared public project if it does not exist.
func (s *Service) EnsurePublic(ctx context.Context, name string) (*models.Project, error) {
	p, err := s.Resolve(ctx, name)
	if err == nil {
		return p, nil
	}
	if !apperr.Is(err, apperr.ProjectNotFound) {
		return nil, err
	}
	p, _, err = s.Create(ctx, SystemOwner, name)
	if apperr.Is(err, apperr.Conflict) {
		return s.Resolve(ctx, name)
	}
	return p, err
}

func (s *Service) newAPIKey() (string, string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	key := "tsk_" + hex.EncodeToString(b)
	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.bcryptCost)
	if err != nil {
		return "", "", err
	}
	return key, string(hash), nil
}

func toDocument(p *models.Project) store.Document {
	return store.Document{
		store.IDField: p.Name,
		"projectId":   p.ID,
		"displayName": p.DisplayName,
		"ownerId":     p.OwnerID,
		"apiKeyHash":  p.APIKeyHash,
		"createTime":  p.CreatedAt,
		"updateTime":  p.UpdatedAt,
	}
}

func fromDocument(doc store.Document) *models.Project {
	p := &models.Project{Name: doc.ID()}
	p.ID, _ = doc["projectId"].(string)
	p.DisplayName, _ = doc["displayName"].(string)
	p.OwnerID, _ = doc["ownerId"].(string)
	p.APIKeyHash, _ = doc["apiKeyHash"].(string)
	p.CreatedAt, _ = doc["createTime"].(time.Time)
	p.UpdatedAt, _ = doc["updateTime"].(time.Time)
	return p
}
