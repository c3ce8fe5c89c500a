// Package home manages an agent's local state directory: its key pair,
// its Agent Card and the CLI settings.
package home

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/validate"
)

// File names inside the home directory.
const (
	KeysFile     = "keys.json"
	CardFile     = "agent-card.json"
	SettingsFile = "config.json"
	DefaultDir   = ".squadklaw"
)

var (
	ErrNotInitialized     = errors.New("agent not initialized: run `sklaw init` first")
	ErrAlreadyInitialized = errors.New("agent already initialized")
)

// Settings is the persisted CLI configuration.
type Settings struct {
	DirectoryURL string `json:"directoryUrl"`
	Token        string `json:"token,omitempty"`
	ListenAddr   string `json:"listenAddr,omitempty"`
}

// Home is one agent's state directory.
type Home struct {
	Dir string
}

// Resolve returns the home at dir, or ~/.squadklaw when dir is empty.
func Resolve(dir string) (Home, error) {
	if dir != "" {
		return Home{Dir: dir}, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return Home{}, fmt.Errorf("locate user home: %w", err)
	}
	return Home{Dir: filepath.Join(userHome, DefaultDir)}, nil
}

func (h Home) path(name string) string { return filepath.Join(h.Dir, name) }

// Initialized reports whether both the card and the keys exist.
func (h Home) Initialized() bool {
	for _, name := range []string{CardFile, KeysFile} {
		if _, err := os.Stat(h.path(name)); err != nil {
			return false
		}
	}
	return true
}

// Init generates a key pair, completes card with the public key (and a
// local agent ID when none is set), validates it and saves everything.
func (h Home) Init(card *models.AgentCard, settings Settings) (*models.AgentCard, crypto.KeyPair, error) {
	if h.Initialized() {
		return nil, crypto.KeyPair{}, ErrAlreadyInitialized
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, crypto.KeyPair{}, err
	}

	card = card.Clone()
	card.PublicKey = keys.PublicKey
	if card.Protocol == "" {
		card.Protocol = models.ProtocolVersion
	}
	if card.AgentID == "" {
		card.AgentID = crypto.NewAgentID()
	}
	if err := validate.Card(card); err != nil {
		return nil, crypto.KeyPair{}, fmt.Errorf("invalid agent card: %w", err)
	}

	if err := h.SaveKeys(keys); err != nil {
		return nil, crypto.KeyPair{}, err
	}
	if err := h.SaveCard(card); err != nil {
		return nil, crypto.KeyPair{}, err
	}
	if err := h.SaveSettings(settings); err != nil {
		return nil, crypto.KeyPair{}, err
	}
	return card, keys, nil
}

// SaveKeys writes the key pair readable by the owner only.
func (h Home) SaveKeys(keys crypto.KeyPair) error {
	return h.write(KeysFile, keys, 0o600)
}

// LoadKeys reads the key pair.
func (h Home) LoadKeys() (crypto.KeyPair, error) {
	var keys crypto.KeyPair
	err := h.read(KeysFile, &keys)
	return keys, err
}

// SaveCard writes the agent card.
func (h Home) SaveCard(card *models.AgentCard) error {
	return h.write(CardFile, card, 0o644)
}

// LoadCard reads the agent card.
func (h Home) LoadCard() (*models.AgentCard, error) {
	var card models.AgentCard
	if err := h.read(CardFile, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// SaveSettings writes the CLI settings.
func (h Home) SaveSettings(s Settings) error {
	return h.write(SettingsFile, s, 0o600)
}

// LoadSettings reads the CLI settings. A missing file yields zero settings.
func (h Home) LoadSettings() (Settings, error) {
	var s Settings
	err := h.read(SettingsFile, &s)
	if errors.Is(err, ErrNotInitialized) {
		return Settings{}, nil
	}
	return s, err
}

func (h Home) write(name string, v any, perm os.FileMode) error {
	if err := os.MkdirAll(h.Dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.path(name + ".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), perm); err != nil {
		return err
	}
	return os.Rename(tmp, h.path(name))
}

func (h Home) read(name string, v any) error {
	data, err := os.ReadFile(h.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotInitialized
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// DefaultCard is the card `sklaw init` creates without a profile.
func DefaultCard(name, endpoint string) *models.AgentCard {
	return &models.AgentCard{
		Protocol:     models.ProtocolVersion,
		Name:         name,
		Endpoint:     endpoint,
		Capabilities: []string{"scheduling", "communication", "research"},
		Intents:      append([]string(nil), models.StandardIntents...),
		AccessControl: &models.AccessControl{
			Mode: models.AccessOpen,
		},
	}
}
