package config

import (
	"testing"
	"time"
)

// ── ParseTarget ──────────────────────────────────────────────────────

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "alice@db.internal", "alice", "db.internal", 22, false},
		{"ipv4", "root@10.0.0.5:22", "root", "10.0.0.5", 22, false},
		{"ipv6", "root@[fe80::1]:2200", "root", "fe80::1", 2200, false},
		{"ipv6 no port", "root@[::1]", "root", "::1", 22, false},
		{"no user", "gateway.local", "", "", 0, true},
		{"empty user", "@gateway.local", "", "", 0, true},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"zero port", "user@host:0", "", "", 0, true},
		{"bare ipv6", "root@fe80::1", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"spaces", "al ice@host", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.User != tt.wantUser || got.Host != tt.wantHost || got.Port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					got.User, got.Host, got.Port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestTarget_String(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{Target{User: "alice", Host: "db.internal", Port: 22}, "alice@db.internal:22"},
		{Target{User: "root", Host: "::1", Port: 2200}, "root@[::1]:2200"},
	}
	for _, tt := range tests {
		if got := tt.target.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// ── ParseSessionID ───────────────────────────────────────────────────

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"7", 7, false},
		{"9007199254740991", 9007199254740991, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSessionID(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSessionID(%q) = %d, %v", tt.input, got, err)
		}
	}
}

// ── Defaults ─────────────────────────────────────────────────────────

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.ConnTimeout != DefaultConnTimeout {
		t.Errorf("ConnTimeout = %v", cfg.ConnTimeout)
	}
	if cfg.Listen != DefaultListenAddress {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.KeepAlive() != 30*time.Second {
		t.Errorf("KeepAlive = %v", cfg.KeepAlive())
	}
	if cfg.IsRemote() {
		t.Error("default config should use the local pool")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
