// Package stringutils holds small helpers for string columns.
package stringutils

import (
	"database/sql"
	"strings"
)

// NullIfBlank maps a blank value to SQL NULL so optional columns such as
// scope, state and rotated_from stay NULL instead of holding empty strings.
func NullIfBlank(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
