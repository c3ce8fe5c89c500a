package home

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
)

func TestInit_CreatesFiles(t *testing.T) {
	h := Home{Dir: filepath.Join(t.TempDir(), "agent")}
	require.False(t, h.Initialized())

	card, keys, err := h.Init(DefaultCard("Barista", "http://localhost:4100/"), Settings{DirectoryURL: "http://dir"})
	require.NoError(t, err)
	assert.True(t, h.Initialized())
	assert.Regexp(t, `^sk_[0-9a-f]{32}$`, card.AgentID)
	assert.Equal(t, keys.PublicKey, card.PublicKey)
	assert.Equal(t, models.ProtocolVersion, card.Protocol)

	info, err := os.Stat(filepath.Join(h.Dir, KeysFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loadedKeys, err := h.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, keys, loadedKeys)

	pub, err := crypto.PublicKeyFor(loadedKeys.PrivateKey)
	require.NoError(t, err)
	assert.True(t, crypto.SamePublicKey(pub, loadedKeys.PublicKey))

	loadedCard, err := h.LoadCard()
	require.NoError(t, err)
	assert.Equal(t, card, loadedCard)

	settings, err := h.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "http://dir", settings.DirectoryURL)
}

func TestInit_Twice(t *testing.T) {
	h := Home{Dir: t.TempDir()}
	_, _, err := h.Init(DefaultCard("A", "http://localhost:4100/"), Settings{})
	require.NoError(t, err)

	_, _, err = h.Init(DefaultCard("B", "http://localhost:4100/"), Settings{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	card, err := h.LoadCard()
	require.NoError(t, err)
	assert.Equal(t, "A", card.Name)
}

func TestInit_InvalidCard(t *testing.T) {
	h := Home{Dir: t.TempDir()}
	_, _, err := h.Init(DefaultCard("", "not a url"), Settings{})
	require.Error(t, err)
	assert.False(t, h.Initialized())
}

func TestLoad_NotInitialized(t *testing.T) {
	h := Home{Dir: t.TempDir()}

	_, err := h.LoadKeys()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.LoadCard()
	assert.ErrorIs(t, err, ErrNotInitialized)

	settings, err := h.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, Settings{}, settings)
}

func TestSaveCard_Overwrites(t *testing.T) {
	h := Home{Dir: t.TempDir()}
	card, _, err := h.Init(DefaultCard("Before", "http://localhost:4100/"), Settings{})
	require.NoError(t, err)

	card.AgentID = "sk_fromdirectory"
	require.NoError(t, h.SaveCard(card))

	loaded, err := h.LoadCard()
	require.NoError(t, err)
	assert.Equal(t, "sk_fromdirectory", loaded.AgentID)
}

func TestResolve(t *testing.T) {
	h, err := Resolve("/tmp/custom")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom", h.Dir)

	t.Setenv("HOME", "/home/tester")
	h, err = Resolve("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/tester", DefaultDir), h.Dir)
}
