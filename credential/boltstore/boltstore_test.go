package boltstore

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStoreRoundTrip(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	wallet, err := authority.Wallet()
	require.NoError(t, err)
	macOnly, err := authority.MacOnlyMDL("mac-only", fixtures.Max)
	require.NoError(t, err)
	wallet = append(wallet, macOnly)

	s, path := openStore(t)
	for _, c := range wallet {
		require.NoError(t, s.Put(c))
	}
	// rewriting keeps the original position
	require.NoError(t, s.Put(wallet[0]))

	_, err = s.IncrementUsage(fixtures.ErikaMDLID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	creds, err := reopened.Credentials()
	require.NoError(t, err)
	require.Len(t, creds, len(wallet))
	for i, c := range creds {
		assert.Equal(t, wallet[i].ID, c.ID)
		assert.Equal(t, wallet[i].Format, c.Format)
		assert.Equal(t, wallet[i].Type(), c.Type())
		assert.Equal(t, wallet[i].DeviceKey.CanSign(), c.DeviceKey.CanSign())
		assert.True(t, wallet[i].Claims().Equal(c.Claims()))
	}

	pid, err := reopened.Get(fixtures.ErikaPIDSdJwtID)
	require.NoError(t, err)
	v, ok := claim.Resolve(pid.Claims(), claim.NewPath("address", "locality"))
	require.True(t, ok)
	assert.Equal(t, "Koeln", v.AsString())

	count, err := reopened.UsageCount(fixtures.ErikaMDLID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStoreNotFound(t *testing.T) {
	s, _ := openStore(t)

	_, err := s.Get("missing")
	require.ErrorIs(t, err, credential.ErrNotFound)
	_, err = s.IncrementUsage("missing")
	require.ErrorIs(t, err, credential.ErrNotFound)
	_, err = s.UsageCount("missing")
	require.ErrorIs(t, err, credential.ErrNotFound)
	require.ErrorIs(t, s.Delete("missing"), credential.ErrNotFound)
}

func TestStoreConcurrentIncrements(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	c, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	s, _ := openStore(t)
	require.NoError(t, s.Put(c))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementUsage(c.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := s.UsageCount(c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)

	require.NoError(t, s.Delete(c.ID))
	creds, err := s.Credentials()
	require.NoError(t, err)
	assert.Empty(t, creds)
}
