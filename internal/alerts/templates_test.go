package alerts

import (
	"testing"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"

	"github.com/LucasGS520/Market-Suite/internal/compare"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

func sampleMonitored() *store.MonitoredProduct {
	return &store.MonitoredProduct{
		ID:          uuid.New(),
		Name:        "Notebook Gamer",
		ProductURL:  "https://www.mercadolivre.com.br/p/MLB123",
		TargetPrice: dec("100.00"),
	}
}

func TestRenderPriceTarget(t *testing.T) {
	g := NewWithT(t)

	alert := &compare.Alert{
		Name:           "Loja A",
		Price:          decPtr("80.00"),
		PctBelowTarget: decPtr("20.00"),
	}
	body, err := Render(store.AlertPriceTarget, sampleMonitored(), alert, false)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(body).To(ContainSubstring(`"Notebook Gamer"`))
	g.Expect(body).To(ContainSubstring("Concorrente: Loja A"))
	g.Expect(body).To(ContainSubstring("Preço atual: R$ 80.00"))
	g.Expect(body).To(ContainSubstring("Preço alvo: R$ 100.00"))
	g.Expect(body).To(ContainSubstring("Abaixo do alvo: 20.00%"))
	g.Expect(body).To(ContainSubstring("https://www.mercadolivre.com.br/p/MLB123"))
}

func TestRenderPriceChangeSignedVariation(t *testing.T) {
	g := NewWithT(t)

	alert := &compare.Alert{
		Name:      "Loja A",
		Type:      compare.TypePriceIncrease,
		Price:     decPtr("110.00"),
		OldPrice:  decPtr("100.00"),
		Change:    decPtr("10.00"),
		PctChange: decPtr("10.00"),
	}
	body, err := Render(store.AlertPriceChange, sampleMonitored(), alert, false)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(body).To(ContainSubstring("Preço anterior: R$ 100.00"))
	g.Expect(body).To(ContainSubstring("Variação: +10.00 (+10.00%)"))
}

func TestRenderListingStatus(t *testing.T) {
	g := NewWithT(t)

	alert := &compare.Alert{Name: "Loja A", Status: "removed"}
	body, err := Render(store.AlertListingRemoved, sampleMonitored(), alert, false)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(body).To(ContainSubstring("Status atual: removed"))
}

func TestRenderScrapingError(t *testing.T) {
	g := NewWithT(t)

	alert := &compare.Alert{Error: "timeout", Detail: "upstream 504"}
	body, err := Render(store.AlertScrapingError, sampleMonitored(), alert, false)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(body).To(ContainSubstring("Erro: timeout"))
	g.Expect(body).To(ContainSubstring("Detalhe: upstream 504"))
}

func TestRenderHTMLWrapsDocument(t *testing.T) {
	g := NewWithT(t)

	alert := &compare.Alert{Name: "Loja A", Price: decPtr("80.00")}
	body, err := Render(store.AlertPriceTarget, sampleMonitored(), alert, true)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(body).To(HavePrefix("<html><body><p>"))
	g.Expect(body).To(HaveSuffix("</p></body></html>"))
	g.Expect(body).To(ContainSubstring("<br>"))
}

func TestRenderUnknownType(t *testing.T) {
	g := NewWithT(t)

	_, err := Render(store.AlertType("bogus"), sampleMonitored(), &compare.Alert{}, false)
	g.Expect(err).To(HaveOccurred())
}

func TestSubject(t *testing.T) {
	g := NewWithT(t)

	g.Expect(Subject(store.AlertPriceTarget, "Notebook Gamer")).
		To(Equal("Alerta price target - Notebook Gamer"))
	g.Expect(Subject(store.AlertListingRemoved, "Mouse")).
		To(Equal("Alerta listing removed - Mouse"))
}
