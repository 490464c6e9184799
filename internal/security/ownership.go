package security

import (
	"tenantstore/internal/apperr"
	"tenantstore/internal/store"
)

// ProtectedFields may never be changed through an update or set payload.
var ProtectedFields = []string{"id", store.IDField, "ownerId", "createTime", "updateTime"}

// StripProtected returns fields without the protected system fields.
func StripProtected(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for _, k := range ProtectedFields {
		delete(out, k)
	}
	return out
}

// OwnerOf returns the document's owner, or "" for legacy documents.
func OwnerOf(doc store.Document) string {
	owner, _ := doc["ownerId"].(string)
	return owner
}

// CheckOwnership allows the owner to mutate doc. Documents without an owner
// are open to any authenticated caller.
func CheckOwnership(doc store.Document, userID string) error {
	owner := OwnerOf(doc)
	if owner == "" || owner == userID {
		return nil
	}
	return apperr.New(apperr.PermissionDenied, "Permission denied").
		WithSuggestion("Only the document owner can modify or delete this document").
		WithDetails(map[string]any{
			"requiredOwner": owner,
			"currentUser":   userID,
		})
}
