// Package blockwatch detects anti-bot blocks in responses from the
// target site and coordinates the recovery workflow: identity
// rotation, delay prolongation, browser refetch and global suspension.
package blockwatch

import (
	"net/http"
	"strings"
)

// BlockResult classifies a response from the target site.
type BlockResult string

const (
	BlockOK      BlockResult = "ok"
	BlockHTTP429 BlockResult = "429"
	BlockHTTP403 BlockResult = "403"
	BlockCaptcha BlockResult = "captcha"
	BlockUnknown BlockResult = "unknown"
)

// captchaMarkers are body fragments that betray a CAPTCHA challenge
// page regardless of the status code.
var captchaMarkers = []string{"captcha", "digite os caracteres"}

// Detect classifies the response. The body check runs first: CAPTCHA
// pages are frequently served with a 200.
func Detect(statusCode int, body string) BlockResult {
	lower := strings.ToLower(body)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return BlockCaptcha
		}
	}
	switch statusCode {
	case http.StatusTooManyRequests:
		return BlockHTTP429
	case http.StatusForbidden:
		return BlockHTTP403
	}
	return BlockOK
}

// DetectResponse is Detect for an already-read *http.Response body.
func DetectResponse(resp *http.Response, body string) BlockResult {
	if resp == nil {
		return BlockUnknown
	}
	return Detect(resp.StatusCode, body)
}

// severityLevels maps each block type to how much it raises the
// recovery severity.
var severityLevels = map[BlockResult]int{
	BlockHTTP429: 1,
	BlockHTTP403: 2,
	BlockCaptcha: 3,
}

// SeverityOf returns the severity contribution of a block type;
// unrecognized types count as 1.
func SeverityOf(b BlockResult) int {
	if lvl, ok := severityLevels[b]; ok {
		return lvl
	}
	return 1
}
