// Package settings persists the selected game and port between runs.
package settings

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/jd3nn1s/rpmbridge"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	dirName  = "G27-LED-Bridge"
	fileName = "settings.toml"
)

// to allow testing
var userConfigDir = os.UserConfigDir

// Store reads and writes settings at Path.
type Store struct {
	Path string
}

// DefaultPath returns settings.toml under the user's configuration
// directory.
func DefaultPath() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not find config directory")
	}
	return filepath.Join(dir, dirName, fileName), nil
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	return &Store{Path: path}, nil
}

// Load returns the stored settings. A missing file yields the defaults
// without an error.
func (s *Store) Load() (rpmbridge.Settings, error) {
	file, err := os.Open(s.Path)
	if os.IsNotExist(err) {
		return rpmbridge.DefaultSettings(), nil
	}
	if err != nil {
		return rpmbridge.DefaultSettings(), errors.Wrapf(err, "unable to open %s", s.Path)
	}
	defer file.Close()
	settings, err := Read(file)
	if err != nil {
		return rpmbridge.DefaultSettings(), errors.Wrapf(err, "unable to load %s", s.Path)
	}
	log.WithField("path", s.Path).Info("loaded settings")
	return settings, nil
}

// LoadOrDefault is Load with errors logged instead of returned.
func (s *Store) LoadOrDefault() rpmbridge.Settings {
	settings, err := s.Load()
	if err != nil {
		log.WithField("err", err).Warn("using default settings")
	}
	return settings
}

func (s *Store) Save(settings rpmbridge.Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", filepath.Dir(s.Path))
	}
	buf := &bytes.Buffer{}
	if err := Write(buf, settings); err != nil {
		return err
	}
	if err := ioutil.WriteFile(s.Path, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "unable to write %s", s.Path)
	}
	log.WithField("path", s.Path).Info("settings saved")
	return nil
}

func Read(r io.Reader) (rpmbridge.Settings, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return rpmbridge.Settings{}, errors.Wrap(err, "unable to read settings")
	}
	settings := rpmbridge.DefaultSettings()
	if _, err := toml.Decode(string(data), &settings); err != nil {
		return rpmbridge.Settings{}, errors.Wrap(err, "unable to parse settings")
	}
	if settings.Port < 1 || settings.Port > 65535 {
		return rpmbridge.Settings{}, errors.Errorf("port %d out of range", settings.Port)
	}
	return settings, nil
}

func Write(w io.Writer, settings rpmbridge.Settings) error {
	return errors.Wrap(toml.NewEncoder(w).Encode(settings), "unable to encode settings")
}
