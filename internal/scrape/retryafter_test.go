package scrape

import (
	"net/http"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestParseRetryAfter(t *testing.T) {
	g := NewWithT(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	g.Expect(ParseRetryAfter("", now)).To(BeZero())
	g.Expect(ParseRetryAfter("120", now)).To(Equal(2 * time.Minute))
	g.Expect(ParseRetryAfter("0", now)).To(BeZero())
	g.Expect(ParseRetryAfter("-5", now)).To(BeZero())

	// HTTP-date form.
	at := now.Add(90 * time.Second)
	g.Expect(ParseRetryAfter(at.Format(http.TimeFormat), now)).To(Equal(90 * time.Second))

	// A date in the past means no extra wait.
	past := now.Add(-time.Hour)
	g.Expect(ParseRetryAfter(past.Format(http.TimeFormat), now)).To(BeZero())

	g.Expect(ParseRetryAfter("soon", now)).To(BeZero())
}
