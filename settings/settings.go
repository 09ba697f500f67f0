// Package settings persists the user facing input preferences between runs.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/internal/configpaths"
)

var ErrUnknownFormat = errors.New("unknown settings format")

// State is what survives a restart.
type State struct {
	Layout        string `json:"layout" yaml:"layout" toml:"layout"`
	AbsoluteMouse bool   `json:"absoluteMouse" yaml:"absoluteMouse" toml:"absoluteMouse"`
	MouseAutoHide bool   `json:"mouseAutoHide" yaml:"mouseAutoHide" toml:"mouseAutoHide"`
	RepeatMs      int    `json:"repeatMs" yaml:"repeatMs" toml:"repeatMs"`
}

func Default() State {
	return State{Layout: layout.DefaultName, AbsoluteMouse: true}
}

// Store loads and saves State.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// FileStore keeps State in a JSON, YAML or TOML file chosen by extension.
type FileStore struct {
	path   string
	format string
}

// NewFileStore creates a store at path. The extension must be .json, .yaml,
// .yml or .toml.
func NewFileStore(path string) (*FileStore, error) {
	format := formatOf(path)
	if format == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
	return &FileStore{path: path, format: format}, nil
}

// DefaultPath is settings.<ext> in the per-user config directory.
func DefaultPath(format string) (string, error) {
	return configpaths.DefaultNamedConfigPath("settings", format)
}

func (s *FileStore) Path() string { return s.path }

// Load reads the file. A missing file yields Default().
func (s *FileStore) Load() (State, error) {
	st := Default()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read settings: %w", err)
	}
	switch s.format {
	case "json":
		err = json.Unmarshal(data, &st)
	case "yaml":
		err = yaml.Unmarshal(data, &st)
	case "toml":
		err = unmarshalTOML(data, &st)
	}
	if err != nil {
		return Default(), fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	return st, nil
}

// unmarshalTOML decodes over st so absent keys keep their current value.
func unmarshalTOML(data []byte, st *State) error {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return err
	}
	if v, ok := tree.Get("layout").(string); ok {
		st.Layout = v
	}
	if v, ok := tree.Get("absoluteMouse").(bool); ok {
		st.AbsoluteMouse = v
	}
	if v, ok := tree.Get("mouseAutoHide").(bool); ok {
		st.MouseAutoHide = v
	}
	if v, ok := tree.Get("repeatMs").(int64); ok {
		st.RepeatMs = int(v)
	}
	return nil
}

// Save writes st, replacing the file atomically.
func (s *FileStore) Save(st State) error {
	var data []byte
	var err error
	switch s.format {
	case "json":
		data, err = json.MarshalIndent(st, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(st)
	case "toml":
		data, err = toml.Marshal(st)
	}
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := configpaths.EnsureDir(s.path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	}
	return ""
}
