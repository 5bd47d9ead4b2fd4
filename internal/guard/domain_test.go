package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkit/broker/internal/types"
)

func TestCheckRejectsDisallowedScheme(t *testing.T) {
	g, err := NewDomainGuard("")
	require.NoError(t, err)

	err = g.Check("ftp://example.com")
	var blocked *types.DomainBlockedError
	assert.ErrorAs(t, err, &blocked)
}

func TestCheckRejectsCloudMetadataIP(t *testing.T) {
	g, err := NewDomainGuard("")
	require.NoError(t, err)

	err = g.Check("http://169.254.169.254/latest/meta-data")
	var blocked *types.DomainBlockedError
	assert.ErrorAs(t, err, &blocked)
}

func TestCheckRejectsPrivateRange(t *testing.T) {
	g, err := NewDomainGuard("")
	require.NoError(t, err)

	err = g.Check("https://10.0.0.5/internal")
	var blocked *types.DomainBlockedError
	assert.ErrorAs(t, err, &blocked)
}

func TestCheckAllowsOrdinaryPublicURL(t *testing.T) {
	g, err := NewDomainGuard("")
	require.NoError(t, err)

	assert.NoError(t, g.Check("https://example.com/page"))
}

func TestCheckHonorsConfiguredBlocklist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  - blocked.example.com\n"), 0o644))

	g, err := NewDomainGuard(path)
	require.NoError(t, err)
	defer g.Close()

	assert.Error(t, g.Check("https://blocked.example.com/x"))
	assert.NoError(t, g.Check("https://other.example.com/x"))
}

func TestCheckHotReloadsBlocklist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts: []\n"), 0o644))

	g, err := NewDomainGuard(path)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Check("https://newly-blocked.example.com/x"))

	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  - newly-blocked.example.com\n"), 0o644))

	require.Eventually(t, func() bool {
		return g.Check("https://newly-blocked.example.com/x") != nil
	}, time.Second, 10*time.Millisecond)
}
