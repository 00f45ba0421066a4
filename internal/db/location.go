package db

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scrypster/workstate/internal/storage"
)

// StorageFormatVersion prefixes the channel directory. It changes only when
// a new layout cannot be reached by migrations from the old one.
const StorageFormatVersion = 0

// FileName is the name of the database file inside a channel directory.
const FileName = "db.sqlite"

// Location is where the database of one release channel lives:
// <Root>/<StorageFormatVersion>-<Channel>/db.sqlite.
type Location struct {
	Root    string
	Channel string
}

// NewLocation validates channel and returns its location under root.
func NewLocation(root, channel string) (Location, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return Location{}, fmt.Errorf("db: %w: release channel is required", storage.ErrInvalidInput)
	}
	if strings.ContainsAny(channel, `/\`) || channel == "." || channel == ".." {
		return Location{}, fmt.Errorf("db: %w: invalid release channel %q", storage.ErrInvalidInput, channel)
	}
	return Location{Root: root, Channel: channel}, nil
}

// Dir returns the channel directory.
func (l Location) Dir() string {
	return filepath.Join(l.Root, strconv.Itoa(StorageFormatVersion)+"-"+l.Channel)
}

// Path returns the database file path.
func (l Location) Path() string {
	return filepath.Join(l.Dir(), FileName)
}
