package alerts

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"github.com/shopspring/decimal"

	"github.com/LucasGS520/Market-Suite/internal/compare"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// templateContext is the data every message template receives.
type templateContext struct {
	Monitored *store.MonitoredProduct
	Alert     *compare.Alert
}

func currency(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return "R$ " + d.StringFixed(2)
}

func signed(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	if d.Sign() >= 0 {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

var templateFuncs = map[string]any{
	"currency": currency,
	"signed":   signed,
}

// Plain-text bodies. The HTML variants wrap the same content in a
// minimal document for email clients.
const (
	priceTargetText = `O produto monitorado "{{.Monitored.Name}}" tem um concorrente abaixo do preço alvo.

Concorrente: {{.Alert.Name}}
Preço atual: {{currency .Alert.Price}}
Preço alvo: {{currency2 .Monitored.TargetPrice}}
{{- if .Alert.PctBelowTarget}}
Abaixo do alvo: {{.Alert.PctBelowTarget.StringFixed 2}}%
{{- end}}

URL: {{.Monitored.ProductURL}}`

	priceChangeText = `O concorrente "{{.Alert.Name}}" do produto "{{.Monitored.Name}}" mudou de preço.

Preço anterior: {{currency .Alert.OldPrice}}
Preço atual: {{currency .Alert.Price}}
Variação: {{signed .Alert.Change}}
{{- if .Alert.PctChange}} ({{signed .Alert.PctChange}}%){{end}}

URL: {{.Monitored.ProductURL}}`

	listingText = `A listagem "{{.Alert.Name}}" do produto "{{.Monitored.Name}}" mudou de status.

Status atual: {{.Alert.Status}}

URL: {{.Monitored.ProductURL}}`

	errorText = `Falha ao verificar o produto "{{.Monitored.Name}}".

{{if .Alert.Error}}Erro: {{.Alert.Error}}{{end}}
{{- if .Alert.Detail}}
Detalhe: {{.Alert.Detail}}
{{- end}}

URL: {{.Monitored.ProductURL}}`
)

// currency2 formats a plain (non-pointer) decimal.
func currency2(d decimal.Decimal) string {
	return "R$ " + d.StringFixed(2)
}

var textTemplates = func() map[store.AlertType]*texttemplate.Template {
	funcs := texttemplate.FuncMap(templateFuncs)
	funcs["currency2"] = currency2
	out := make(map[store.AlertType]*texttemplate.Template)
	for alertType, body := range map[store.AlertType]string{
		store.AlertPriceTarget:    priceTargetText,
		store.AlertPriceChange:    priceChangeText,
		store.AlertListingPaused:  listingText,
		store.AlertListingRemoved: listingText,
		store.AlertScrapingError:  errorText,
	} {
		out[alertType] = texttemplate.Must(texttemplate.New(string(alertType)).Funcs(funcs).Parse(body))
	}
	return out
}()

var htmlTemplates = func() map[store.AlertType]*template.Template {
	funcs := template.FuncMap(templateFuncs)
	funcs["currency2"] = currency2
	wrap := func(body string) string {
		html := strings.ReplaceAll(body, "\n\n", "</p><p>")
		html = strings.ReplaceAll(html, "\n", "<br>")
		return "<html><body><p>" + html + "</p></body></html>"
	}
	out := make(map[store.AlertType]*template.Template)
	for alertType, body := range map[store.AlertType]string{
		store.AlertPriceTarget:    priceTargetText,
		store.AlertPriceChange:    priceChangeText,
		store.AlertListingPaused:  listingText,
		store.AlertListingRemoved: listingText,
		store.AlertScrapingError:  errorText,
	} {
		out[alertType] = template.Must(template.New(string(alertType)).Funcs(funcs).Parse(wrap(body)))
	}
	return out
}()

// Render produces the message body for one alert. Email channels
// receive the HTML variant, every other channel gets plain text.
func Render(alertType store.AlertType, monitored *store.MonitoredProduct, alert *compare.Alert, html bool) (string, error) {
	ctx := templateContext{Monitored: monitored, Alert: alert}
	var buf bytes.Buffer
	if html {
		t, ok := htmlTemplates[alertType]
		if !ok {
			return "", fmt.Errorf("no template for alert type %q", alertType)
		}
		if err := t.Execute(&buf, ctx); err != nil {
			return "", fmt.Errorf("render %s: %w", alertType, err)
		}
		return buf.String(), nil
	}
	t, ok := textTemplates[alertType]
	if !ok {
		return "", fmt.Errorf("no template for alert type %q", alertType)
	}
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("render %s: %w", alertType, err)
	}
	return buf.String(), nil
}

// Subject builds the notification subject line for a product.
func Subject(alertType store.AlertType, productName string) string {
	return fmt.Sprintf("Alerta %s - %s", strings.ReplaceAll(string(alertType), "_", " "), productName)
}
