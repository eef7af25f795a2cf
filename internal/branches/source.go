package branches

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/onexay/revcache/internal/types"
)

// branchFile is the on-disk layout of a branch list.
type branchFile struct {
	Branches []types.Branch `json:"branches" yaml:"branches" toml:"branches"`
}

// FileSource reads branches from a YAML, TOML or JSON file.
type FileSource struct {
	Path string
}

// ListBranches decodes the file according to its extension.
func (s FileSource) ListBranches(ctx context.Context) ([]types.Branch, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading branch file: %w", err)
	}

	var file branchFile
	switch ext := strings.ToLower(filepath.Ext(s.Path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		_, err = toml.Decode(string(data), &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported branch file type %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing branch file %s: %w", s.Path, err)
	}
	return file.Branches, nil
}

// StaticSource serves a fixed branch list.
type StaticSource []types.Branch

// ListBranches returns a copy of the list.
func (s StaticSource) ListBranches(ctx context.Context) ([]types.Branch, error) {
	return append([]types.Branch(nil), s...), nil
}
