package detector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// The entry points rely on //go:noinline. gofmt moves a directive that
// runs straight on from its doc comment, so each one must follow a bare
// "//" line or a blank line.
func TestDirectivesSetApart(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		src, err := os.ReadFile(name)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(string(src), "\n")
		for i := 1; i < len(lines); i++ {
			if !strings.HasPrefix(lines[i], "//go:") {
				continue
			}
			prev := strings.TrimSpace(lines[i-1])
			if strings.HasPrefix(prev, "//") && prev != "//" && !strings.HasPrefix(prev, "//go:") {
				t.Errorf("%s:%d: directive runs on from a doc comment", name, i+1)
			}
		}
	}
}
