// Package audit writes one JSON file per fetch-pipeline stage so a
// scraping run can be replayed forensically. Audit failures are logged
// and counted but never surface to the scraping path.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

// Stage names recorded by the scrape pipeline.
const (
	StageGet              = "get"
	StageCache            = "cache"
	StageParser           = "parser"
	StagePersist          = "persist"
	StageError            = "error"
	StageBlockRecovered   = "block_recovered"
	StageCaptchaRecovered = "captcha_recovered"
)

// Record is the payload of one audit file.
type Record struct {
	Timestamp  time.Time       `json:"timestamp"`
	Stage      string          `json:"stage"`
	URL        string          `json:"url"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	HTMLLength int             `json:"html_length,omitempty"`
	Details    map[string]any  `json:"details,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Logger writes audit records under dir/<date>/<file>.json.
type Logger struct {
	dir     string
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New builds an audit logger rooted at dir.
func New(dir string, m *metrics.Metrics, logger *zap.Logger) *Logger {
	return &Logger{
		dir:     dir,
		metrics: m,
		logger:  logger.Named("audit"),
		now:     time.Now,
	}
}

func randSuffix() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Write persists one record. Timestamp is filled in when zero.
func (l *Logger) Write(rec Record) {
	start := l.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = start
	}

	day := rec.Timestamp.Format("2006-01-02")
	name := rec.Timestamp.Format("15-04-05") + "_" + randSuffix() + "_" + rec.Stage + ".json"
	dir := filepath.Join(l.dir, day)

	err := func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		raw, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
	}()

	if err != nil {
		l.metrics.AuditErrorsTotal.WithLabelValues(rec.Stage).Inc()
		l.logger.Warn("audit_write_failed", zap.String("stage", rec.Stage), zap.Error(err))
		return
	}

	l.metrics.AuditRecordsTotal.WithLabelValues(rec.Stage).Inc()
	if rec.HTMLLength > 0 {
		l.metrics.AuditHTMLLengthBytes.WithLabelValues(rec.Stage).Observe(float64(rec.HTMLLength))
	}
	l.metrics.AuditRecordDurationSeconds.WithLabelValues(rec.Stage).Observe(l.now().Sub(start).Seconds())
}
