package s3blob

import (
	"strings"
	"testing"
	"time"
)

func TestArchivePathUniquePerRun(t *testing.T) {
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	first := archivePath(cutoff, time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC))
	second := archivePath(cutoff, time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC))

	if first == second {
		t.Fatalf("two runs share the key %q; the second upload would overwrite pruned rows", first)
	}
	for _, path := range []string{first, second} {
		if !strings.HasPrefix(path, "archive/positions/2026-08/") {
			t.Fatalf("path = %q, want the cutoff's month prefix", path)
		}
		if !strings.HasSuffix(path, ".jsonl") {
			t.Fatalf("path = %q, want a .jsonl object", path)
		}
	}
	if first != "archive/positions/2026-08/20260830T060000Z.jsonl" {
		t.Fatalf("path = %q, want timestamped object name", first)
	}
}
