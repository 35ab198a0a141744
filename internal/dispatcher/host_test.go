package dispatcher

import "testing"

func TestDestinationHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{"explicit port", "http://localhost:8080/webhook", "localhost:8080"},
		{"no port", "https://example.com/callback", "example.com"},
		{"default http port", "http://hooks.example.com:80/jobs", "hooks.example.com"},
		{"default https port", "https://hooks.example.com:443/jobs", "hooks.example.com"},
		{"https on port 80 kept", "https://hooks.example.com:80/jobs", "hooks.example.com:80"},
		{"case folded", "https://Hooks.Example.COM/jobs", "hooks.example.com"},
		{"ipv6", "http://[::1]:9000/hook", "[::1]:9000"},
		{"malformed returns raw input", "://invalid", "://invalid"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := destinationHost(tt.rawURL); got != tt.want {
				t.Errorf("destinationHost(%q) = %q, want %q", tt.rawURL, got, tt.want)
			}
		})
	}
}
