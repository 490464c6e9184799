package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantstore/internal/firestore"
	"tenantstore/internal/security"
)

type documentRequest struct {
	Fields map[string]any `json:"fields"`
}

// decodeFields reads {fields} from the body and converts typed values.
func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var req documentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, err
	}
	return firestore.Decode(req.Fields)
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request) {
	project, collection := chi.URLParam(r, "project"), chi.URLParam(r, "collection")
	fields, err := decodeFields(w, r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	doc, err := a.docs.Create(r.Context(), principalFromContext(r), project, collection, fields)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, firestore.EncodeDocument(project, collection, doc))
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	project, collection := chi.URLParam(r, "project"), chi.URLParam(r, "collection")
	docs, err := a.docs.List(r.Context(), project, collection)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": firestore.EncodeDocuments(project, collection, docs),
	})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	project, collection := chi.URLParam(r, "project"), chi.URLParam(r, "collection")
	doc, err := a.docs.Get(r.Context(), project, collection, chi.URLParam(r, "docId"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, firestore.EncodeDocument(project, collection, doc))
}

func (a *API) setDocument(w http.ResponseWriter, r *http.Request) {
	project, collection := chi.URLParam(r, "project"), chi.URLParam(r, "collection")
	fields, err := decodeFields(w, r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	doc, err := a.docs.Set(r.Context(), principalFromContext(r), project, collection, chi.URLParam(r, "docId"), fields)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, firestore.EncodeDocument(project, collection, doc))
}

func (a *API) updateDocument(w http.ResponseWriter, r *http.Request) {
	project, collection := chi.URLParam(r, "project"), chi.URLParam(r, "collection")
	fields, err := decodeFields(w, r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	doc, err := a.docs.Update(r.Context(), principalFromContext(r), project, collection, chi.URLParam(r, "docId"), fields)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, firestore.EncodeDocument(project, collection, doc))
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request) {
	project, collection := chi.URLParam(r, "project"), chi.URLParam(r, "collection")
	id, err := a.docs.Delete(r.Context(), principalFromContext(r), project, collection, chi.URLParam(r, "docId"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"id":   id,
		"name": firestore.DocumentName(project, collection, id),
	})
}

func (a *API) getSecurity(w http.ResponseWriter, r *http.Request) {
	meta, err := a.docs.GetMetadata(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "collection"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (a *API) updateSecurity(w http.ResponseWriter, r *http.Request) {
	var upd security.MetadataUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		a.respondError(w, r, err)
		return
	}
	meta, err := a.docs.UpdateMetadata(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "collection"), upd)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

type queryResult struct {
	Document firestore.Document `json:"document"`
	ReadTime string             `json:"readTime"`
}

func (a *API) runQuery(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var body map[string]any
	if err := decodeJSON(w, r, &body); err != nil {
		a.respondError(w, r, err)
		return
	}
	q, err := firestore.ParseRunQuery(body)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	docs, err := a.docs.Query(r.Context(), project, q)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	readTime := firestore.FormatTime(time.Now())
	out := make([]queryResult, 0, len(docs))
	for _, d := range docs {
		out = append(out, queryResult{
			Document: firestore.EncodeDocument(project, q.Collection, d),
			ReadTime: readTime,
		})
	}
	respondJSON(w, http.StatusOK, out)
}
