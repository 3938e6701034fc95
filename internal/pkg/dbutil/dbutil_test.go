package dbutil

import (
	"testing"

	"github.com/didi/gendry/builder"
	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
)

func TestFinalize_RewritesLimitAndPlaceholders(t *testing.T) {
	sqlStr, args, err := builder.BuildSelect("verification_codes", map[string]interface{}{
		"email":  "a@x.com",
		"_limit": []uint{0, 1},
	}, []string{"id"})
	require.NoError(t, err)

	sqlStr, args = Finalize(sqlStr, args)
	require.Contains(t, sqlStr, "LIMIT $2 OFFSET $3")
	require.NotContains(t, sqlStr, "?")
	require.Len(t, args, 3)
	require.Equal(t, "a@x.com", args[0])
	require.EqualValues(t, 1, args[1])
	require.EqualValues(t, 0, args[2])
}

func TestFinalize_NoLimit(t *testing.T) {
	sqlStr, args := Finalize("DELETE FROM t WHERE (id=?)", []interface{}{"x"})
	require.Equal(t, "DELETE FROM t WHERE (id=$1)", sqlStr)
	require.Equal(t, []interface{}{"x"}, args)
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestMustAffect(t *testing.T) {
	require.NoError(t, MustAffect(fakeResult(1)))
	require.ErrorIs(t, MustAffect(fakeResult(0)), appErr.ErrNotFound)
}
