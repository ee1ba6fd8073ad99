package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roster is the operator-facing bot_index -> display name mapping read
// from data/bots.yaml. It exists purely for diagnostics (cmd/relayadmin);
// credentials are never read from it, only from the environment.
type Roster map[int]string

type rosterDocument struct {
	Bots []rosterEntry `yaml:"bots"`
}

type rosterEntry struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
}

// LoadRoster reads path (typically <data-dir>/bots.yaml). A missing file
// is not an error: it returns an empty Roster so callers fall back to
// the generic "Bot-N" names already in config.BotConfig.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Roster{}, nil
		}
		return nil, fmt.Errorf("config: read roster %s: %w", path, err)
	}

	var doc rosterDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse roster %s: %w", path, err)
	}

	roster := make(Roster, len(doc.Bots))
	for _, entry := range doc.Bots {
		if entry.Name == "" {
			continue
		}
		roster[entry.Index] = entry.Name
	}
	return roster, nil
}

// NameFor returns the roster's display name for botIndex, or def if the
// roster has no entry for it.
func (r Roster) NameFor(botIndex int, def string) string {
	if name, ok := r[botIndex]; ok {
		return name
	}
	return def
}
