// Package profile loads agent profiles: YAML files describing the card an
// agent should publish.
package profile

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/squadklaw/squadklaw/internal/models"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile profile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Profile is the YAML form of an agent's card plus host settings.
type Profile struct {
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description"`
	Endpoint      string                `yaml:"endpoint"`
	Directory     string                `yaml:"directory"`
	Owner         *models.Owner         `yaml:"owner"`
	Capabilities  []string              `yaml:"capabilities"`
	Intents       []string              `yaml:"intents"`
	Availability  *models.Availability  `yaml:"availability"`
	AccessControl *models.AccessControl `yaml:"access_control"`
	Metadata      map[string]string     `yaml:"metadata"`
}

// Load reads, expands ${VAR} references in, and validates a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML against the profile schema and decodes it.
func Parse(data []byte) (*Profile, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var doc any
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	var p Profile
	if err := yaml.Unmarshal(expanded, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &p, nil
}

// Validate checks a decoded document against the profile schema.
func Validate(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, fmt.Sprintf("- %s", e))
		}
		return fmt.Errorf("profile validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// Card builds the agent card the profile describes. The caller fills in
// the agent ID and public key.
func (p *Profile) Card() *models.AgentCard {
	card := &models.AgentCard{
		Protocol:      models.ProtocolVersion,
		Name:          p.Name,
		Description:   p.Description,
		Owner:         p.Owner,
		Endpoint:      p.Endpoint,
		Capabilities:  p.Capabilities,
		Intents:       p.Intents,
		Availability:  p.Availability,
		AccessControl: p.AccessControl,
		Metadata:      p.Metadata,
	}
	return card.Clone()
}
