package migrations

import (
	"io"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreSequential(t *testing.T) {
	src, err := iofs.New(FS, ".")
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)

	for _, version := range []uint{first, next} {
		up, _, err := src.ReadUp(version)
		require.NoError(t, err)
		body, err := io.ReadAll(up)
		require.NoError(t, err)
		_ = up.Close()
		assert.Contains(t, string(body), "CREATE TABLE")

		down, _, err := src.ReadDown(version)
		require.NoError(t, err)
		_ = down.Close()
	}
}
