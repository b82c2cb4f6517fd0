package media

import "testing"

func TestIsSupported(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/recordings/clip.mp4", true},
		{"/recordings/CLIP.MP4", true},
		{"/recordings/clip.mkv", true},
		{"/recordings/clip.webm", true},
		{"/recordings/clip.flv", true},
		{"/recordings/notes.txt", false},
		{"/recordings/clip.gif", false},
		{"/recordings/noext", false},
	}
	for _, tt := range tests {
		if got := IsSupported(tt.path); got != tt.want {
			t.Errorf("IsSupported(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"60/1", 60},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{"0/0", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseFrameRate(tt.in); got != tt.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := formatSeconds(12.5); got != "12.500" {
		t.Errorf("formatSeconds(12.5) = %s, want 12.500", got)
	}
	if got := formatSeconds(0); got != "0.000" {
		t.Errorf("formatSeconds(0) = %s, want 0.000", got)
	}
}

func TestTailWriter_KeepsTail(t *testing.T) {
	w := newTailWriter(8)
	if _, err := w.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := w.Tail(); got != "89abcdef" {
		t.Errorf("Tail() = %q, want %q", got, "89abcdef")
	}
}
