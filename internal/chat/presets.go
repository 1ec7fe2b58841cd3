package chat

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

const presetsEnv = "CHAT_PRESETS_YAML"

// DefaultPreset is used when a request names no preset or an unknown one.
const DefaultPreset = "detailed"

//go:embed presets.yaml
var presetsFS embed.FS

// fallback presets used when the YAML is missing or invalid
var fallbackPresets = map[string]Preset{
	"concise": {
		Name: "concise",
		System: "You are a precise assistant answering questions from the user's documents. " +
			"Answer in at most three sentences. State only what the provided context supports. " +
			"If the context does not contain the answer, say so plainly.",
	},
	"detailed": {
		Name: "detailed",
		System: "You are a knowledgeable assistant answering questions from the user's documents. " +
			"Give a complete, well-organized answer grounded in the provided context. " +
			"If the context does not contain the answer, say so rather than guessing.",
	},
	"qna": {
		Name: "qna",
		System: "You answer questions strictly from the provided context. " +
			"If the answer is not in the context, reply that the documents do not contain it. Never speculate.",
	},
}

// Preset selects the answering style for a chat turn.
type Preset struct {
	Name        string
	Description string
	System      string
}

type yamlPresetFile struct {
	Version int                  `yaml:"version"`
	Presets map[string]yamlEntry `yaml:"presets"`
}

type yamlEntry struct {
	Description string `yaml:"description"`
	System      string `yaml:"system"`
}

var presetsOnce sync.Once
var presetsCache map[string]Preset
var presetsErr error

func loadedPresets(log *logger.Logger) map[string]Preset {
	presetsOnce.Do(func() {
		presetsCache, presetsErr = loadPresets()
	})
	if presetsErr != nil {
		if log != nil {
			log.Warn("chat preset load failed; using fallback", "error", presetsErr)
		}
		return fallbackPresets
	}
	return presetsCache
}

func loadPresets() (map[string]Preset, error) {
	data, err := readPresetsFile()
	if err != nil {
		return nil, err
	}

	var file yamlPresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Presets) == 0 {
		return nil, errors.New("no presets defined")
	}

	out := make(map[string]Preset, len(file.Presets))
	for name, entry := range file.Presets {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, errors.New("preset name is required")
		}
		system := strings.TrimSpace(entry.System)
		if system == "" {
			return nil, fmt.Errorf("preset %s: system prompt is empty", name)
		}
		out[name] = Preset{Name: name, Description: strings.TrimSpace(entry.Description), System: system}
	}
	if _, ok := out[DefaultPreset]; !ok {
		return nil, fmt.Errorf("preset table missing default %q", DefaultPreset)
	}
	return out, nil
}

func readPresetsFile() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(presetsEnv)); path != "" {
		return os.ReadFile(path)
	}
	return presetsFS.ReadFile("presets.yaml")
}

// PresetByName resolves a preset, falling back to the default for unknown
// or empty names.
func PresetByName(name string, log *logger.Logger) Preset {
	table := loadedPresets(log)
	if p, ok := table[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return table[DefaultPreset]
}

// PresetNames lists the configured presets for discovery endpoints.
func PresetNames(log *logger.Logger) []string {
	table := loadedPresets(log)
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	return out
}
