package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitReady(t *testing.T, s *Store) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(30 * time.Second):
		t.Fatal("certificate generation did not finish")
	}
}

func TestOpenGeneratesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "client.p12")

	s, err := Open(path, "", "tester")
	require.NoError(t, err)
	waitReady(t, s)
	require.NoError(t, s.Err())

	cert, ok := s.Certificate()
	require.True(t, ok)
	assert.Equal(t, "tester", cert.Leaf.Subject.CommonName)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Open(path, "", "ignored")
	require.NoError(t, err)
	select {
	case <-again.Ready():
	default:
		t.Fatal("loading an existing file should be ready immediately")
	}
	loaded, ok := again.Certificate()
	require.True(t, ok)
	assert.Equal(t, cert.Leaf.Raw, loaded.Leaf.Raw)
}

func TestGenerateRoundTripWithPassword(t *testing.T) {
	cert, pfx, err := Generate("", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, DefaultCommonName, cert.Leaf.Subject.CommonName)
	assert.True(t, cert.Leaf.NotAfter.After(time.Now().Add(19*365*24*time.Hour)))

	decoded, err := Decode(pfx, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, cert.Leaf.Raw, decoded.Leaf.Raw)

	_, err = Decode(pfx, "wrong")
	assert.Error(t, err)
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.p12")
	require.NoError(t, os.WriteFile(path, []byte("not pkcs12"), 0o600))
	_, err := Open(path, "", "")
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	_, ok := Static(nil).Certificate()
	assert.False(t, ok)

	cert, _, err := Generate("static", "")
	require.NoError(t, err)
	got, ok := Static(cert).Certificate()
	assert.True(t, ok)
	assert.Same(t, cert, got)
}
