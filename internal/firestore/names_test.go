package firestore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantstore/internal/apperr"
	"tenantstore/internal/store"
)

func TestValidateCollectionName(t *testing.T) {
	for _, name := range []string{"user_profiles", "a", "test123", "kebab-case"} {
		assert.NoError(t, ValidateCollectionName(name), name)
	}
	for _, name := range []string{"userProfiles", "Users", "CamelCase", "", "1abc", "_x", "with space", strings.Repeat("a", 129)} {
		err := ValidateCollectionName(name)
		require.Error(t, err, name)
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, "Invalid collection name", e.Message)
		assert.Equal(t, "InvalidCollectionName", e.Code)
		assert.NotEmpty(t, e.Suggestion)
	}
}

func TestValidateDocumentID(t *testing.T) {
	valid := []string{store.NewID(), "custom-id_01", "A", strings.Repeat("x", 254)}
	for _, id := range valid {
		assert.NoError(t, ValidateDocumentID(id), id)
	}

	invalid := []string{"", "has space", "slash/inside", "dot.dot", "emoji🙂", strings.Repeat("x", 255)}
	for _, id := range invalid {
		err := ValidateDocumentID(id)
		require.Error(t, err, id)
		e, _ := apperr.As(err)
		assert.Equal(t, "InvalidDocumentId", e.Code)
		assert.Equal(t, apperr.InvalidArgument, e.Kind)
	}
}
