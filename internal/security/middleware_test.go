package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInputSanitization(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Remove null bytes",
			input:    "12\x0034",
			expected: "1234",
		},
		{
			name:     "Remove control characters",
			input:    "test\x01\x02data",
			expected: "testdata",
		},
		{
			name:     "Keep newlines and tabs",
			input:    "test\n\tdata",
			expected: "test\n\tdata",
		},
		{
			name:     "Normal string unchanged",
			input:    "normal string",
			expected: "normal string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeInput(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestCollectionIDValidation(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"Numeric playlist", "1234", true},
		{"Favorites", "favorites", true},
		{"Album with separators", "album_7-b.v2", true},
		{"Empty", "", false},
		{"Parent directory", "..", false},
		{"Current directory", ".", false},
		{"Path traversal", "../../etc", false},
		{"Nested path", "a/b", false},
		{"Windows path", "C:\\Windows", false},
		{"Null byte", "12\x00", false},
		{"Too long", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("Expected %q to be valid, got %v", tt.id, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected %q to be rejected", tt.id)
			}
		})
	}
}

func TestParseTrackID(t *testing.T) {
	id, err := ParseTrackID("42")
	if err != nil {
		t.Fatalf("Failed to parse track id: %v", err)
	}
	if id != 42 {
		t.Errorf("Expected 42, got %d", id)
	}

	for _, raw := range []string{"", "abc", "0", "-3", "1/2"} {
		if _, err := ParseTrackID(raw); err == nil {
			t.Errorf("Expected %q to be rejected", raw)
		}
	}
}

func TestLimitBody(t *testing.T) {
	handler := LimitBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRecorder()
	handler.ServeHTTP(small, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	if small.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", small.Code)
	}

	large := httptest.NewRecorder()
	handler.ServeHTTP(large, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("way too large")))
	if large.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", large.Code)
	}
}
