package transport

import "testing"

func TestResolveDeviceName(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"any", "any"},
		{"ttyS2", "/dev/ttyS2"},
		{"ttyUSB0", "/dev/ttyUSB0"},
	}

	for _, c := range cases {
		if isWindows() {
			continue // resolveDeviceName is a no-op passthrough on Windows
		}
		if got := resolveDeviceName(c.host); got != c.want {
			t.Errorf("resolveDeviceName(%q) = %q, want %q", c.host, got, c.want)
		}
	}
}
