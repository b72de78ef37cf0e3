package credential_test

import (
	"sync"
	"testing"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMdocClaims(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)

	c, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	assert.Equal(t, credential.FormatMdoc, c.Format)
	assert.Equal(t, string(mdoc.DocTypeMDL), c.Type())
	assert.True(t, c.DeviceKey.CanSign())
	assert.True(t, c.DeviceKey.CanAgree())

	tests := []struct {
		path claim.Path
		want claim.Value
	}{
		{claim.NewPath("org.iso.18013.5.1", "given_name"), claim.String("Erika")},
		{claim.NewPath("org.iso.18013.5.1", "family_name"), claim.String("Mustermann")},
		{claim.NewPath("org.iso.18013.5.1", "birth_date"), claim.String("1971-09-01")},
		{claim.NewPath("org.iso.18013.5.1", "age_over_18"), claim.Bool(true)},
		{claim.NewPath("org.iso.18013.5.1", "driving_privileges", "vehicle_category_code"), claim.Seq(claim.String("A"), claim.String("B"))},
	}
	for _, tt := range tests {
		t.Run(tt.path.String(), func(t *testing.T) {
			v, ok := claim.Resolve(c.Claims(), tt.path)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(v), "got %s", v)
		})
	}

	_, ok := claim.Resolve(c.Claims(), claim.NewPath("org.iso.18013.5.1", "portrait"))
	assert.False(t, ok)
}

func TestSdJwtClaims(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)

	c, err := authority.PIDSdJwt(fixtures.ErikaPIDSdJwtID, fixtures.Erika)
	require.NoError(t, err)

	assert.Equal(t, credential.FormatSdJwt, c.Format)
	assert.Equal(t, fixtures.VctPID, c.Type())
	assert.True(t, c.SdJwt.Parsed.IsKeyBound())

	v, ok := claim.Resolve(c.Claims(), claim.NewPath("degrees", "type"))
	require.True(t, ok)
	assert.Equal(t, claim.Seq(claim.String("Bachelor of Science"), claim.String("Master of Science")), v)
}

func TestMacOnlyKey(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)

	c, err := authority.MacOnlyMDL("mac-only", fixtures.Erika)
	require.NoError(t, err)
	assert.False(t, c.DeviceKey.CanSign())
	assert.True(t, c.DeviceKey.CanAgree())

	priv, ok := credential.LocalPrivateKey(c.DeviceKey)
	require.True(t, ok)
	require.NotNil(t, priv)
}

func TestMemoryStore(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	wallet, err := authority.Wallet()
	require.NoError(t, err)

	store := credential.NewMemoryStore(wallet...)

	creds, err := store.Credentials()
	require.NoError(t, err)
	require.Len(t, creds, len(wallet))
	for i := range wallet {
		assert.Equal(t, wallet[i].ID, creds[i].ID)
	}

	got, err := store.Get(fixtures.MaxMDLID)
	require.NoError(t, err)
	assert.Equal(t, "Driving License Max", got.DisplayName)

	_, err = store.Get("unknown")
	require.ErrorIs(t, err, credential.ErrNotFound)
	_, err = store.IncrementUsage("unknown")
	require.ErrorIs(t, err, credential.ErrNotFound)

	require.NoError(t, store.Delete(fixtures.MaxMDLID))
	creds, err = store.Credentials()
	require.NoError(t, err)
	assert.Len(t, creds, len(wallet)-1)
	require.ErrorIs(t, store.Delete(fixtures.MaxMDLID), credential.ErrNotFound)
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	c, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	store := credential.NewMemoryStore(c)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementUsage(c.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := store.UsageCount(c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), count)
}
