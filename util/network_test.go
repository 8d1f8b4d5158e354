package util

import "testing"

func TestFormatAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"1.2.3.4", 22, "1.2.3.4:22"},
		{"::1", 2222, "[::1]:2222"},
		{"db.internal", 22, "db.internal:22"},
	}
	for _, tt := range tests {
		if got := FormatAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("FormatAddr(%q,%d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"db.internal:22", "db.internal", 22, false},
		{"[::1]:2222", "::1", 2222, false},
		{"db.internal", "", 0, true},
		{"db.internal:0", "", 0, true},
		{"db.internal:ssh", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitAddr(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitAddr(%q) err=%v wantErr=%v", tt.addr, err, tt.wantErr)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("SplitAddr(%q) = %q,%d want %q,%d", tt.addr, host, port, tt.wantHost, tt.wantPort)
		}
	}
}
