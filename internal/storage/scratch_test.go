package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"leaf.png", "leaf.png"},
		{"My cool leaf.jpg", "My_cool_leaf.jpg"},
		{"../../../etc/passwd", "etc_passwd"},
		{`..\..\windows\system32.png`, "windows_system32.png"},
		{"i contain cool ümläuts.txt", "i_contain_cool_umlauts.txt"},
		{"café.jpeg", "cafe.jpeg"},
		{"  .hidden.png ", "hidden.png"},
		{"con.png", "_con.png"},
		{"<script>alert(1)</script>.png", "scriptalert1_script.png"},
		{"../..", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SecureFilename(tt.in); got != tt.want {
			t.Fatalf("SecureFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"leaf.PNG":      "png",
		"leaf.tar.jpeg": "jpeg",
		"leaf":          "",
		"leaf.":         "",
		".png":          "png",
	}
	for in, want := range tests {
		if got := Extension(in); got != want {
			t.Fatalf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScratchSaveAndRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	scratch, err := New(dir, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	scratch.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC) }

	path, err := scratch.Save(context.Background(), "../leaf photo.png", strings.NewReader("pixels"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected file inside %s, got %s", dir, path)
	}
	if got, want := filepath.Base(path), "20240506_070809.123456_leaf_photo.png"; got != want {
		t.Fatalf("unexpected stored name %q, want %q", got, want)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != "pixels" {
		t.Fatalf("unexpected stored content %q, %v", raw, err)
	}

	if err := scratch.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err = %v", err)
	}
	if err := scratch.Remove(path); err != nil {
		t.Fatalf("second Remove() should be a no-op, got %v", err)
	}
}

func TestScratchSaveWithoutPrefix(t *testing.T) {
	scratch, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	path, err := scratch.Save(context.Background(), "leaf.jpg", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if filepath.Base(path) != "leaf.jpg" {
		t.Fatalf("expected plain name, got %s", filepath.Base(path))
	}
}

func TestScratchSaveRejectsUnsafeOnlyName(t *testing.T) {
	scratch, err := New(t.TempDir(), true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = scratch.Save(context.Background(), "../..", strings.NewReader("x"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
