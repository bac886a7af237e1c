package permissions

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pinch-protocol/pinch/internal/connstore"
)

// manifestYAML mirrors connstore.Manifest with yaml tags, used only by
// the local-only permissions tool surface (spec §6) for human-editable
// import/export of a manifest.
type manifestYAML struct {
	Calendar              string                    `yaml:"calendar"`
	Files                 string                    `yaml:"files"`
	FileFolders           []string                  `yaml:"file_folders,omitempty"`
	Actions               string                    `yaml:"actions"`
	ActionScopes          []string                  `yaml:"action_scopes,omitempty"`
	Spending              connstore.SpendingCaps    `yaml:"spending"`
	InformationBoundaries string                    `yaml:"information_boundaries,omitempty"`
	CustomCategories      []connstore.CustomCategory `yaml:"custom_categories,omitempty"`
}

// ExportYAML serializes a manifest to YAML for the permissions CLI tool.
func ExportYAML(m connstore.Manifest) ([]byte, error) {
	out := manifestYAML{
		Calendar:              string(m.Calendar),
		Files:                 string(m.Files),
		FileFolders:           m.FileFolders,
		Actions:               string(m.Actions),
		ActionScopes:          m.ActionScopes,
		Spending:              m.Spending,
		InformationBoundaries: m.InformationBoundaries,
		CustomCategories:      m.CustomCategories,
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("permissions: marshal manifest yaml: %w", err)
	}
	return data, nil
}

// ImportYAML parses a manifest previously produced by ExportYAML.
func ImportYAML(data []byte) (connstore.Manifest, error) {
	var in manifestYAML
	if err := yaml.Unmarshal(data, &in); err != nil {
		return connstore.Manifest{}, fmt.Errorf("permissions: parse manifest yaml: %w", err)
	}
	return connstore.Manifest{
		Calendar:              connstore.CalendarTier(in.Calendar),
		Files:                 connstore.FilesTier(in.Files),
		FileFolders:           in.FileFolders,
		Actions:               connstore.ActionsTier(in.Actions),
		ActionScopes:          in.ActionScopes,
		Spending:              in.Spending,
		InformationBoundaries: in.InformationBoundaries,
		CustomCategories:      in.CustomCategories,
	}, nil
}
