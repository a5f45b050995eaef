package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("PRESENCE_DRIVER", "")
	t.Setenv("PRESENCE_HEARTBEAT_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Driver != "postgres" {
		t.Errorf("Expected postgres store driver, got %q", cfg.Store.Driver)
	}
	if cfg.Presence.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected 30s heartbeat, got %s", cfg.Presence.HeartbeatInterval)
	}
	if cfg.Lockout.MaxAttempts != 5 {
		t.Errorf("Expected 5 lockout attempts, got %d", cfg.Lockout.MaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("PRESENCE_DRIVER", "memory")
	t.Setenv("PRESENCE_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("PRESENCE_TTL", "15s")
	t.Setenv("LOCKOUT_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Driver != "memory" {
		t.Errorf("Expected memory store driver, got %q", cfg.Store.Driver)
	}
	if cfg.Presence.HeartbeatInterval != 5*time.Second {
		t.Errorf("Expected 5s heartbeat, got %s", cfg.Presence.HeartbeatInterval)
	}
	if cfg.Lockout.MaxAttempts != 3 {
		t.Errorf("Expected 3 lockout attempts, got %d", cfg.Lockout.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "STORE_DRIVER",
		},
		{
			name:    "postgres presence needs postgres store",
			mutate:  func(c *Config) { c.Store.Driver = "memory" },
			wantErr: "requires STORE_DRIVER=postgres",
		},
		{
			name:    "ttl shorter than heartbeat",
			mutate:  func(c *Config) { c.Presence.TTL = time.Second },
			wantErr: "PRESENCE_TTL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Store:    StoreConfig{Driver: "postgres"},
				Presence: PresenceConfig{Driver: "postgres", HeartbeatInterval: 30 * time.Second, TTL: 90 * time.Second},
				Lockout:  LockoutConfig{MaxAttempts: 5},
			}
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

const sampleDirectory = `
[roles]
sales_rep = 1
manager = 2
director = 3

[[tiers]]
level = 1
min_value = "0"
max_value = "10000"
approver_role = "manager"

[[tiers]]
level = 2
min_value = "10000"
approver_role = "director"

[[users]]
id = "u-alice"
name = "Alice"
role = "sales_rep"

[[users]]
id = "u-mona"
name = "Mona"
role = "manager"
`

func TestReadDirectory(t *testing.T) {
	dir, err := ReadDirectory(strings.NewReader(sampleDirectory))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}

	if dir.Roles["director"] != 3 {
		t.Errorf("Expected director rank 3, got %d", dir.Roles["director"])
	}
	if len(dir.Tiers) != 2 {
		t.Fatalf("Expected 2 tiers, got %d", len(dir.Tiers))
	}
	if dir.Tiers[1].MaxValue != "" {
		t.Errorf("Expected unbounded top tier, got %q", dir.Tiers[1].MaxValue)
	}
	if len(dir.Users) != 2 || dir.Users[1].Role != "manager" {
		t.Errorf("Unexpected users: %+v", dir.Users)
	}
}

func TestReadDirectoryRejectsUnknownRole(t *testing.T) {
	doc := `
[roles]
sales_rep = 1

[[users]]
id = "u-x"
name = "X"
role = "ceo"
`
	if _, err := ReadDirectory(strings.NewReader(doc)); err == nil {
		t.Fatal("Expected error for unknown role")
	}
}

func TestReadDirectoryRejectsReservedUserID(t *testing.T) {
	for _, id := range []string{"system", " System "} {
		doc := `
[roles]
manager = 3

[[users]]
id = "` + id + `"
name = "Ops"
role = "manager"
`
		if _, err := ReadDirectory(strings.NewReader(doc)); err == nil {
			t.Errorf("Expected user id %q to be rejected", id)
		}
	}
}
