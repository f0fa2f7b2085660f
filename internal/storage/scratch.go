package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

const timestampLayout = "20060102_150405.000000"

// Scratch is the transient upload area. Files live only for the request
// that wrote them.
type Scratch struct {
	basePath        string
	prefixTimestamp bool
	now             func() time.Time
}

func New(basePath string, prefixTimestamp bool) (*Scratch, error) {
	if basePath == "" {
		basePath = "uploads"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Scratch{basePath: basePath, prefixTimestamp: prefixTimestamp, now: time.Now}, nil
}

func (s *Scratch) Dir() string {
	return s.basePath
}

// Save writes data under the sanitised filename and returns the file path.
func (s *Scratch) Save(ctx context.Context, filename string, data io.Reader) (string, error) {
	name := SecureFilename(filename)
	if name == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "save upload", fmt.Errorf("filename %q has no safe characters", filename))
	}
	if s.prefixTimestamp {
		name = s.now().UTC().Format(timestampLayout) + "_" + name
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.basePath, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

// Remove deletes a scratch file. A file that is already gone is fine.
func (s *Scratch) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

var (
	unsafeChars     = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	windowsDevNames = map[string]bool{
		"CON": true, "AUX": true, "COM1": true, "COM2": true, "COM3": true, "COM4": true,
		"LPT1": true, "LPT2": true, "LPT3": true, "PRN": true, "NUL": true,
	}
)

// SecureFilename returns a version of name that is safe to join onto a
// directory: ASCII only, no path separators, no leading dots. The result
// can be empty.
func SecureFilename(name string) string {
	var ascii strings.Builder
	for _, r := range norm.NFKD.String(name) {
		if r < unicode.MaxASCII {
			ascii.WriteRune(r)
		}
	}

	cleaned := ascii.String()
	cleaned = strings.NewReplacer("/", " ", "\\", " ").Replace(cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), "_")
	cleaned = unsafeChars.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, "._")

	if cleaned != "" {
		base := strings.ToUpper(strings.SplitN(cleaned, ".", 2)[0])
		if windowsDevNames[base] {
			cleaned = "_" + cleaned
		}
	}
	return cleaned
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
