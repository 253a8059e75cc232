package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"credbroker-go/internal/config"
	"credbroker-go/internal/errors"
)

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	p := NewConfigProvider([]config.UserConfig{
		{ID: 7, Username: "alice", Email: "alice@example.test", DisplayName: "Alice", PasswordHash: string(hash)},
	})
	ctx := context.Background()

	u, err := p.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "alice@example.test", u.Email)

	// Case-insensitive username match.
	_, err = p.Authenticate(ctx, "ALICE", "s3cret")
	assert.NoError(t, err)

	_, err = p.Authenticate(ctx, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryAuth))

	_, err = p.Authenticate(ctx, "bob", "s3cret")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryAuth))
}
