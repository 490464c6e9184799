package firestore

import (
	"regexp"

	"tenantstore/internal/apperr"
	"tenantstore/internal/store"
)

const (
	// MaxCollectionNameLength bounds collection names.
	MaxCollectionNameLength = 128
	// MaxDocumentIDLength is exclusive: custom ids are at most 254 characters.
	MaxDocumentIDLength = 255
)

var (
	collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	customIDRe       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateCollectionName accepts lowercase snake or kebab case names.
func ValidateCollectionName(name string) error {
	if len(name) > MaxCollectionNameLength || !collectionNameRe.MatchString(name) {
		return apperr.New(apperr.InvalidArgument, "Invalid collection name").
			WithCode("InvalidCollectionName").
			WithSuggestion("Collection names must start with a lowercase letter and contain only lowercase letters, numbers, underscores and hyphens (e.g. user_profiles)").
			WithDetails(map[string]any{"collection": name})
	}
	return nil
}

// ValidateDocumentID accepts generated ids and URL-safe custom ids.
func ValidateDocumentID(id string) error {
	if store.IsGeneratedID(id) {
		return nil
	}
	if len(id) == 0 || len(id) >= MaxDocumentIDLength || !customIDRe.MatchString(id) {
		return apperr.New(apperr.InvalidArgument, "Invalid document ID").
			WithCode("InvalidDocumentId").
			WithSuggestion("Document IDs must be 1-254 characters of letters, numbers, hyphens and underscores").
			WithDetails(map[string]any{"documentId": id})
	}
	return nil
}
