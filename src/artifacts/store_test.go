package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
)

func TestLocalStorePutGet(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := Key("rep-1", 2, "csv")
	assert.Equal(t, "reports/rep-1/2/report.csv", key)

	ref, err := s.Put(ctx, key, "text/csv", []byte("a,b\n"))
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("a,b\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.SHA256)
	assert.Equal(t, int64(4), ref.Size)
	assert.Equal(t, "csv", ref.Format)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
}

func TestLocalStoreMissingAndInvalidKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "reports/none/1/report.csv")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.Get(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.Put(ctx, "", "text/plain", nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}
