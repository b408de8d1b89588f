package blockwatch

import (
	"net/http"
	"testing"

	. "github.com/onsi/gomega"
)

func TestDetect(t *testing.T) {
	g := NewWithT(t)

	g.Expect(Detect(200, "<html><body>produto</body></html>")).To(Equal(BlockOK))
	g.Expect(Detect(429, "")).To(Equal(BlockHTTP429))
	g.Expect(Detect(403, "")).To(Equal(BlockHTTP403))

	// CAPTCHA pages usually come back with a 200; the body wins.
	g.Expect(Detect(200, "<div class=\"Captcha\">prove you are human</div>")).To(Equal(BlockCaptcha))
	g.Expect(Detect(200, "Digite os caracteres da imagem")).To(Equal(BlockCaptcha))
	g.Expect(Detect(403, "please solve the captcha")).To(Equal(BlockCaptcha))
}

func TestDetectResponse(t *testing.T) {
	g := NewWithT(t)

	g.Expect(DetectResponse(nil, "")).To(Equal(BlockUnknown))
	g.Expect(DetectResponse(&http.Response{StatusCode: 429}, "")).To(Equal(BlockHTTP429))
}

func TestSeverityOf(t *testing.T) {
	g := NewWithT(t)

	g.Expect(SeverityOf(BlockHTTP429)).To(Equal(1))
	g.Expect(SeverityOf(BlockHTTP403)).To(Equal(2))
	g.Expect(SeverityOf(BlockCaptcha)).To(Equal(3))
	g.Expect(SeverityOf(BlockUnknown)).To(Equal(1))
}
