package hub

import "testing"

func TestIsValidUUID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid v4", "550e8400-e29b-41d4-a716-446655440000", true},
		{"empty", "", false},
		{"not a uuid", "not-a-uuid", false},
		{"missing dashes", "550e8400e29b41d4a716446655440000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidUUID(tt.in); got != tt.want {
				t.Errorf("isValidUUID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeRelativePath(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		want   string
		wantOk bool
	}{
		{"simple file", "README.md", "README.md", true},
		{"nested path", "src/components/App.tsx", "src/components/App.tsx", true},
		{"leading slash stripped", "/src/main.go", "src/main.go", true},
		{"empty is root", "", "", true},
		{"traversal basic", "../etc/passwd", "", false},
		{"traversal nested", "src/../../etc/passwd", "", false},
		{"traversal middle", "a/b/../../../etc/passwd", "", false},
		{"null byte", "file\x00.txt", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sanitizeRelativePath(tt.path)
			if ok != tt.wantOk {
				t.Fatalf("sanitizeRelativePath(%q) ok = %v, want %v", tt.path, ok, tt.wantOk)
			}
			if ok && got != tt.want {
				t.Errorf("sanitizeRelativePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
