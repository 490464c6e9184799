// Package security keeps per-collection rule and index metadata and enforces
// document ownership around mutations.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantstore/internal/apperr"
	"tenantstore/internal/logger"
	"tenantstore/internal/metrics"
	"tenantstore/internal/models"
	"tenantstore/internal/store"
)

// MetadataCollection holds one record per collection, keyed by collection name.
const MetadataCollection = "_metadata"

var validPermissions = map[string]bool{"read": true, "write": true, "create": true, "delete": true}

// DefaultRules is the rule set seeded for new collections: any
// authenticated caller may read and create, only the owner may write or
// delete.
func DefaultRules() []models.Rule {
	return []models.Rule{
		{
			Match:     "/{document=**}",
			Allow:     []string{"read", "create"},
			Condition: "request.auth != null",
		},
		{
			Match:     "/{document=**}",
			Allow:     []string{"write", "delete"},
			Condition: "resource.data.ownerId == request.auth.uid",
		},
	}
}

// MetadataUpdate is a partial update. Nil fields are left unchanged.
type MetadataUpdate struct {
	Rules   *[]models.Rule      `json:"rules"`
	Indexes *[]models.IndexSpec `json:"indexes"`
}

type Service struct {
	engine store.Engine
	log    *zap.SugaredLogger
	now    func() time.Time
}

func New(engine store.Engine) *Service {
	return &Service{
		engine: engine,
		log:    logger.For(logger.ComponentSecurity),
		now:    time.Now,
	}
}

func metadataNS(project string) store.Namespace {
	return store.Namespace{Database: project, Collection: MetadataCollection}
}

// EnsureDefaults seeds default metadata for collection unless some exists.
func (s *Service) EnsureDefaults(ctx context.Context, project, collection string) error {
	now := s.now().UTC()
	meta := &models.CollectionMetadata{
		Collection: collection,
		Rules:      DefaultRules(),
		Indexes:    []models.IndexSpec{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	doc, err := metadataDocument(meta)
	if err != nil {
		return err
	}
	err = s.engine.Insert(ctx, metadataNS(project), doc)
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	if err == nil {
		s.log.Debugw("Seeded collection metadata", "project", project, "collection", collection)
	}
	return err
}

// Get returns the stored metadata of collection.
func (s *Service) Get(ctx context.Context, project, collection string) (*models.CollectionMetadata, error) {
	doc, err := s.engine.Get(ctx, metadataNS(project), collection)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "Security metadata not found").
			WithSuggestion("Metadata is created on the first write to the collection or with an explicit update")
	}
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to load security metadata")
	}
	return metadataFromDocument(doc)
}

// Update upserts rules and/or indexes. Declared indexes are applied right
// away on a best-effort basis.
func (s *Service) Update(ctx context.Context, project, collection string, upd MetadataUpdate) (*models.CollectionMetadata, error) {
	if upd.Rules == nil && upd.Indexes == nil {
		return nil, apperr.New(apperr.InvalidArgument, "Nothing to update").
			WithSuggestion("Provide rules and/or indexes")
	}
	if upd.Rules != nil {
		if err := ValidateRules(*upd.Rules); err != nil {
			return nil, err
		}
	}
	if upd.Indexes != nil {
		if err := ValidateIndexes(*upd.Indexes); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	meta, err := s.Get(ctx, project, collection)
	if apperr.Is(err, apperr.NotFound) {
		meta = &models.CollectionMetadata{
			Collection: collection,
			Rules:      DefaultRules(),
			Indexes:    []models.IndexSpec{},
			CreatedAt:  now,
		}
	} else if err != nil {
		return nil, err
	}

	if upd.Rules != nil {
		meta.Rules = *upd.Rules
	}
	if upd.Indexes != nil {
		meta.Indexes = *upd.Indexes
	}
	meta.UpdatedAt = now

	doc, err := metadataDocument(meta)
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to encode security metadata")
	}
	if err := s.engine.Replace(ctx, metadataNS(project), doc); err != nil {
		return nil, apperr.Internalf(err, "Failed to save security metadata")
	}

	if upd.Indexes != nil {
		s.ApplyIndexes(ctx, project, collection, meta.Indexes)
	}
	return meta, nil
}

// OnWrite runs after every document write: it seeds default metadata and
// applies declared indexes. Failures are logged and never returned.
func (s *Service) OnWrite(ctx context.Context, project, collection string) {
	if err := s.EnsureDefaults(ctx, project, collection); err != nil {
		s.log.Warnw("Failed to seed collection metadata", "project", project, "collection", collection, "error", err)
		return
	}
	meta, err := s.Get(ctx, project, collection)
	if err != nil {
		s.log.Warnw("Failed to load collection metadata", "project", project, "collection", collection, "error", err)
		return
	}
	s.ApplyIndexes(ctx, project, collection, meta.Indexes)
}

// ApplyIndexes creates the declared indexes that do not exist yet and
// returns how many were created. Individual failures are logged and skipped.
func (s *Service) ApplyIndexes(ctx context.Context, project, collection string, specs []models.IndexSpec) int {
	if len(specs) == 0 {
		return 0
	}
	ns := store.Namespace{Database: project, Collection: collection}
	names, err := s.engine.IndexNames(ctx, ns)
	if err != nil {
		s.log.Warnw("Failed to list indexes", "namespace", ns.String(), "error", err)
		return 0
	}
	existing := make(map[string]bool, len(names))
	for _, n := range names {
		existing[n] = true
	}

	created := 0
	for _, spec := range specs {
		idx := ToIndex(spec)
		name := idx.ResolvedName()
		if existing[name] {
			continue
		}
		if err := s.engine.CreateIndex(ctx, ns, idx); err != nil {
			s.log.Warnw("Failed to create index", "namespace", ns.String(), "index", name, "error", err)
			metrics.IndexFailure()
			continue
		}
		existing[name] = true
		created++
		s.log.Infow("Created index", "namespace", ns.String(), "index", name)
	}
	return created
}

// ToIndex converts a declaration to the engine's index description.
func ToIndex(spec models.IndexSpec) store.Index {
	idx := store.Index{
		Name:   spec.Options.Name,
		Unique: spec.Options.Unique,
		Sparse: spec.Options.Sparse,
	}
	for _, f := range spec.Fields {
		idx.Keys = append(idx.Keys, store.IndexKey{
			Field: f.Field,
			Desc:  strings.EqualFold(f.Order, "DESCENDING"),
		})
	}
	return idx
}

func ValidateRules(rules []models.Rule) error {
	for i, r := range rules {
		if r.Match == "" {
			return invalidMetadata(fmt.Sprintf("rule %d: match is required", i))
		}
		if len(r.Allow) == 0 {
			return invalidMetadata(fmt.Sprintf("rule %d: allow must list at least one permission", i))
		}
		for _, p := range r.Allow {
			if !validPermissions[p] {
				return invalidMetadata(fmt.Sprintf("rule %d: unknown permission %q (use read, write, create or delete)", i, p))
			}
		}
	}
	return nil
}

func ValidateIndexes(specs []models.IndexSpec) error {
	for i, spec := range specs {
		if len(spec.Fields) == 0 {
			return invalidMetadata(fmt.Sprintf("index %d: fields must not be empty", i))
		}
		for _, f := range spec.Fields {
			if f.Field == "" {
				return invalidMetadata(fmt.Sprintf("index %d: field name is required", i))
			}
			switch strings.ToUpper(f.Order) {
			case "", "ASCENDING", "DESCENDING":
			default:
				return invalidMetadata(fmt.Sprintf("index %d: order must be ASCENDING or DESCENDING", i))
			}
		}
	}
	return nil
}

func invalidMetadata(reason string) error {
	return apperr.New(apperr.InvalidArgument, "Invalid security metadata").
		WithCode("InvalidMetadata").
		WithSuggestion(reason)
}

func metadataDocument(meta *models.CollectionMetadata) (store.Document, error) {
	doc, err := store.FromStruct(meta)
	if err != nil {
		return nil, err
	}
	doc[store.IDField] = meta.Collection
	return doc, nil
}

func metadataFromDocument(doc store.Document) (*models.CollectionMetadata, error) {
	var meta models.CollectionMetadata
	if err := store.ToStruct(doc, &meta); err != nil {
		return nil, apperr.Internalf(err, "Failed to decode security metadata")
	}
	if meta.Collection == "" {
		meta.Collection = doc.ID()
	}
	return &meta, nil
}
