// Package documents is the data path: create, read, update, replace, delete
// and query documents of one project collection with ownership enforced.
package documents

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tenantstore/internal/apperr"
	"tenantstore/internal/firestore"
	"tenantstore/internal/logger"
	"tenantstore/internal/metrics"
	"tenantstore/internal/models"
	"tenantstore/internal/security"
	"tenantstore/internal/store"
)

// MaxIDAttempts bounds generated id collisions on create.
const MaxIDAttempts = 5

// Event types passed to write hooks.
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Event describes a completed write.
type Event struct {
	Type       string
	Project    string
	Collection string
	DocumentID string
	Document   store.Document // nil for deletes
	Caller     models.Principal
}

// Hook is called after every successful write.
type Hook func(ctx context.Context, ev Event)

// ProjectChecker reports whether a project exists.
type ProjectChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

type Service struct {
	engine   store.Engine
	security *security.Service
	projects ProjectChecker
	public   string
	log      *zap.SugaredLogger
	now      func() time.Time
	newID    func() string
	hooks    []Hook
}

type Option func(*Service)

// WithIDGenerator replaces the generated id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublicProject names the namespace any caller may create collections in.
func WithPublicProject(name string) Option {
	return func(s *Service) { s.public = name }
}

func New(engine store.Engine, sec *security.Service, projects ProjectChecker, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		security: sec,
		projects: projects,
		public:   "public",
		log:      logger.For(logger.ComponentDocuments),
		now:      time.Now,
		newID:    store.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnWrite registers a hook run after successful writes.
func (s *Service) OnWrite(h Hook) {
	s.hooks = append(s.hooks, h)
}

func (s *Service) emit(ctx context.Context, ev Event) {
	metrics.DocumentWrite(ev.Type)
	for _, h := range s.hooks {
		h(ctx, ev)
	}
}

func ns(project, collection string) store.Namespace {
	return store.Namespace{Database: project, Collection: collection}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// requireProject fails with ProjectNotFound unless project exists.
func (s *Service) requireProject(ctx context.Context, project string) error {
	ok, err := s.projects.Exists(ctx, project)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.ProjectNotFound, "Project not found").
			WithDetails(map[string]any{"project": project})
	}
	return nil
}

// checkCreateScope rejects creating a collection in a foreign project. The
// caller's own project and the public project are always writable; other
// projects only through collections that already exist.
func (s *Service) checkCreateScope(ctx context.Context, caller models.Principal, project, collection string) error {
	if project == caller.ProjectName || project == s.public {
		return nil
	}
	hasDB, err := s.engine.HasDatabase(ctx, project)
	if err != nil {
		return apperr.Internalf(err, "Failed to check project")
	}
	if hasDB {
		hasColl, err := s.engine.HasCollection(ctx, ns(project, collection))
		if err != nil {
			return apperr.Internalf(err, "Failed to check collection")
		}
		if hasColl {
			return nil
		}
	}
	return apperr.New(apperr.PermissionDenied, "Cannot create collections outside your project").
		WithSuggestion("Write to your own project or to the public project").
		WithDetails(map[string]any{
			"project":     project,
			"collection":  collection,
			"userProject": caller.ProjectName,
		})
}

func normalizeFields(fields map[string]any) (store.Document, error) {
	doc, err := store.NormalizeDocument(security.StripProtected(fields))
	if err != nil {
		return nil, apperr.New(apperr.InvalidArgument, "Invalid document fields").
			WithCode("InvalidFieldValue").
			WithSuggestion(err.Error())
	}
	return doc, nil
}

// Create stores a new document owned by caller under a generated id.
func (s *Service) Create(ctx context.Context, caller models.Principal, project, collection string, fields map[string]any) (store.Document, error) {
	if err := firestore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	doc, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	if err := s.checkCreateScope(ctx, caller, project, collection); err != nil {
		return nil, err
	}

	now := s.timestamp()
	doc[firestore.FieldOwnerID] = caller.UserID
	doc[firestore.FieldCreateTime] = now
	doc[firestore.FieldUpdateTime] = now

	target := ns(project, collection)
	for attempt := 0; attempt < MaxIDAttempts; attempt++ {
		id := s.newID()
		exists, err := s.engine.Exists(ctx, target, id)
		if err != nil {
			return nil, apperr.Internalf(err, "Failed to create document")
		}
		if exists {
			continue
		}
		doc[store.IDField] = id
		err = s.engine.Insert(ctx, target, doc)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, apperr.Internalf(err, "Failed to create document")
		}

		s.log.Debugw("Document created", "project", project, "collection", collection, "id", id, "owner", caller.UserID)
		s.security.OnWrite(ctx, project, collection)
		s.emit(ctx, Event{Type: EventCreate, Project: project, Collection: collection, DocumentID: id, Document: doc, Caller: caller})
		return doc, nil
	}

	return nil, apperr.New(apperr.Internal, "Failed to generate a unique document id").
		WithCode("IdGenerationFailed").
		WithDetails(map[string]any{"attempts": MaxIDAttempts})
}

func (s *Service) load(ctx context.Context, project, collection, id string) (store.Document, error) {
	if err := firestore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if err := firestore.ValidateDocumentID(id); err != nil {
		return nil, err
	}
	if err := s.requireProject(ctx, project); err != nil {
		return nil, err
	}
	doc, err := s.engine.Get(ctx, ns(project, collection), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "Document not found").
			WithDetails(map[string]any{"collection": collection, "id": id})
	}
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to load document")
	}
	return doc, nil
}

// Get returns one document.
func (s *Service) Get(ctx context.Context, project, collection, id string) (store.Document, error) {
	return s.load(ctx, project, collection, id)
}

// List returns every document of collection in storage order.
func (s *Service) List(ctx context.Context, project, collection string) ([]store.Document, error) {
	return s.find(ctx, project, collection, store.Query{})
}

// Query runs a translated structured query.
func (s *Service) Query(ctx context.Context, project string, q *firestore.Query) ([]store.Document, error) {
	return s.find(ctx, project, q.Collection, q.Query)
}

func (s *Service) find(ctx context.Context, project, collection string, q store.Query) ([]store.Document, error) {
	if err := firestore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if err := s.requireProject(ctx, project); err != nil {
		return nil, err
	}
	docs, err := s.engine.Find(ctx, ns(project, collection), q)
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to query documents")
	}
	return docs, nil
}

// Update merges fields into an existing document. Only the owner may update
// an owned document.
func (s *Service) Update(ctx context.Context, caller models.Principal, project, collection, id string, fields map[string]any) (store.Document, error) {
	patch, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	existing, err := s.load(ctx, project, collection, id)
	if err != nil {
		return nil, err
	}
	if err := security.CheckOwnership(existing, caller.UserID); err != nil {
		return nil, err
	}

	doc := existing.Clone()
	for k, v := range patch {
		doc[k] = v
	}
	doc[firestore.FieldUpdateTime] = s.timestamp()

	if err := s.engine.Replace(ctx, ns(project, collection), doc); err != nil {
		return nil, apperr.Internalf(err, "Failed to update document")
	}
	s.security.OnWrite(ctx, project, collection)
	s.emit(ctx, Event{Type: EventUpdate, Project: project, Collection: collection, DocumentID: id, Document: doc, Caller: caller})
	return doc, nil
}

// Set replaces the fields of a document, keeping its owner and creation
// time, or creates it under id owned by caller.
func (s *Service) Set(ctx context.Context, caller models.Principal, project, collection, id string, fields map[string]any) (store.Document, error) {
	if err := firestore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if err := firestore.ValidateDocumentID(id); err != nil {
		return nil, err
	}
	doc, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}

	target := ns(project, collection)
	existing, err := s.engine.Get(ctx, target, id)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.checkCreateScope(ctx, caller, project, collection); err != nil {
			return nil, err
		}
		created = true
		doc[firestore.FieldOwnerID] = caller.UserID
		doc[firestore.FieldCreateTime] = s.timestamp()
	case err != nil:
		return nil, apperr.Internalf(err, "Failed to load document")
	default:
		if err := security.CheckOwnership(existing, caller.UserID); err != nil {
			return nil, err
		}
		if owner, ok := existing[firestore.FieldOwnerID]; ok {
			doc[firestore.FieldOwnerID] = owner
		}
		if ct, ok := existing[firestore.FieldCreateTime]; ok {
			doc[firestore.FieldCreateTime] = ct
		} else {
			doc[firestore.FieldCreateTime] = s.timestamp()
		}
	}
	doc[store.IDField] = id
	doc[firestore.FieldUpdateTime] = s.timestamp()

	if err := s.engine.Replace(ctx, target, doc); err != nil {
		return nil, apperr.Internalf(err, "Failed to save document")
	}

	evType := EventUpdate
	if created {
		evType = EventCreate
	}
	s.security.OnWrite(ctx, project, collection)
	s.emit(ctx, Event{Type: evType, Project: project, Collection: collection, DocumentID: id, Document: doc, Caller: caller})
	return doc, nil
}

// Delete removes a document and returns its id.
func (s *Service) Delete(ctx context.Context, caller models.Principal, project, collection, id string) (string, error) {
	existing, err := s.load(ctx, project, collection, id)
	if err != nil {
		return "", err
	}
	if err := security.CheckOwnership(existing, caller.UserID); err != nil {
		return "", err
	}

	err = s.engine.Delete(ctx, ns(project, collection), id)
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.New(apperr.NotFound, "Document not found").
			WithDetails(map[string]any{"collection": collection, "id": id})
	}
	if err != nil {
		return "", apperr.Internalf(err, "Failed to delete document")
	}

	s.log.Debugw("Document deleted", "project", project, "collection", collection, "id", id)
	s.emit(ctx, Event{Type: EventDelete, Project: project, Collection: collection, DocumentID: id, Caller: caller})
	return id, nil
}

// GetMetadata returns the security metadata of collection.
func (s *Service) GetMetadata(ctx context.Context, project, collection string) (*models.CollectionMetadata, error) {
	if err := firestore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if err := s.requireProject(ctx, project); err != nil {
		return nil, err
	}
	return s.security.Get(ctx, project, collection)
}

// UpdateMetadata upserts the rules and/or indexes of collection.
func (s *Service) UpdateMetadata(ctx context.Context, project, collection string, upd security.MetadataUpdate) (*models.CollectionMetadata, error) {
	if err := firestore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if err := s.requireProject(ctx, project); err != nil {
		return nil, err
	}
	return s.security.Update(ctx, project, collection, upd)
}
