package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

func TestWriteCreatesDatedRecord(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	l := New(dir, metrics.NewTest(), zap.NewNop())
	l.now = func() time.Time { return time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC) }

	l.Write(Record{
		Stage:      StageParser,
		URL:        "https://produto.mercadolivre.com.br/MLB-1",
		HTMLLength: 4096,
		Details:    map[string]any{"price": "3499.90"},
	})

	entries, err := os.ReadDir(filepath.Join(dir, "2026-03-10"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(1))

	name := entries[0].Name()
	g.Expect(name).To(HavePrefix("15-04-05_"))
	g.Expect(name).To(HaveSuffix("_parser.json"))

	raw, err := os.ReadFile(filepath.Join(dir, "2026-03-10", name))
	g.Expect(err).NotTo(HaveOccurred())

	var rec Record
	g.Expect(json.Unmarshal(raw, &rec)).To(Succeed())
	g.Expect(rec.Stage).To(Equal(StageParser))
	g.Expect(rec.URL).To(Equal("https://produto.mercadolivre.com.br/MLB-1"))
	g.Expect(rec.HTMLLength).To(Equal(4096))
	g.Expect(rec.Details).To(HaveKeyWithValue("price", "3499.90"))
	g.Expect(rec.Timestamp).To(BeTemporally("==", time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)))
}

func TestWriteKeepsExplicitTimestamp(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	l := New(dir, metrics.NewTest(), zap.NewNop())

	at := time.Date(2025, 12, 31, 23, 59, 58, 0, time.UTC)
	l.Write(Record{Timestamp: at, Stage: StageGet, URL: "https://example.com"})

	entries, err := os.ReadDir(filepath.Join(dir, "2025-12-31"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(1))
	g.Expect(entries[0].Name()).To(HavePrefix("23-59-58_"))
}

func TestWriteSuffixesAvoidCollisions(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	l := New(dir, metrics.NewTest(), zap.NewNop())
	l.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	for i := 0; i < 5; i++ {
		l.Write(Record{Stage: StageError, URL: "https://example.com", Error: "blocked (403)"})
	}

	entries, err := os.ReadDir(filepath.Join(dir, "2026-03-10"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(5))

	seen := map[string]bool{}
	for _, e := range entries {
		g.Expect(strings.HasSuffix(e.Name(), "_error.json")).To(BeTrue())
		g.Expect(seen[e.Name()]).To(BeFalse())
		seen[e.Name()] = true
	}
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()

	// A file where the logger wants a directory makes MkdirAll fail.
	blocked := filepath.Join(dir, "audit")
	g.Expect(os.WriteFile(blocked, []byte("x"), 0o644)).To(Succeed())

	l := New(blocked, metrics.NewTest(), zap.NewNop())
	l.Write(Record{Stage: StageGet, URL: "https://example.com"})
}
