package dbutil

import (
	"database/sql"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"

	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
)

var limitRegex = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)

// Finalize turns a gendry statement into postgres syntax: the mysql style
// "LIMIT offset, count" becomes "LIMIT count OFFSET offset" and placeholders
// are numbered.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	if loc := limitRegex.FindStringIndex(query); loc != nil {
		idx := strings.Count(query[:loc[0]], "?")
		if idx+1 < len(args) {
			args[idx], args[idx+1] = args[idx+1], args[idx]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}

// MustAffect maps a statement that touched no row to ErrNotFound.
func MustAffect(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}
