package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/safar/quotesync/internal/models"
)

// Directory is the static reference data the core consumes: the role
// hierarchy, the approval tier table and the user roster.
type Directory struct {
	Roles map[string]int `toml:"roles"`
	Tiers []TierConfig   `toml:"tiers"`
	Users []UserConfig   `toml:"users"`
}

// TierConfig bounds are decimal strings. An empty MaxValue means unbounded.
type TierConfig struct {
	Level        int    `toml:"level"`
	MinValue     string `toml:"min_value"`
	MaxValue     string `toml:"max_value,omitempty"`
	ApproverRole string `toml:"approver_role"`
}

type UserConfig struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Role         string `toml:"role"`
	PasswordHash string `toml:"password_hash,omitempty"` // argon2id PHC string
}

// ReadDirectory decodes and validates a directory from r.
func ReadDirectory(r io.Reader) (*Directory, error) {
	var dir Directory
	if _, err := toml.NewDecoder(r).Decode(&dir); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	if err := dir.Validate(); err != nil {
		return nil, err
	}
	return &dir, nil
}

func ReadDirectoryFile(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory file: %w", err)
	}
	defer f.Close()

	dir, err := ReadDirectory(f)
	if err != nil {
		return nil, fmt.Errorf("reading directory from %s: %w", path, err)
	}
	return dir, nil
}

func (d *Directory) Validate() error {
	if len(d.Roles) == 0 {
		return fmt.Errorf("directory declares no roles")
	}
	for _, tier := range d.Tiers {
		if _, ok := d.Roles[tier.ApproverRole]; !ok {
			return fmt.Errorf("tier %d: unknown approver role %q", tier.Level, tier.ApproverRole)
		}
	}
	seen := make(map[string]bool, len(d.Users))
	for _, u := range d.Users {
		if u.ID == "" {
			return fmt.Errorf("user with empty id")
		}
		if strings.EqualFold(strings.TrimSpace(u.ID), models.SystemActor) {
			return fmt.Errorf("user id %q is reserved", u.ID)
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate user id %q", u.ID)
		}
		seen[u.ID] = true
		if _, ok := d.Roles[u.Role]; !ok {
			return fmt.Errorf("user %s: unknown role %q", u.ID, u.Role)
		}
	}
	return nil
}
