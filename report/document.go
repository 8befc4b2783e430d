package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
)

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}} {{.Number}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; font-size: 12px; color: #222; }
table { width: 100%; border-collapse: collapse; margin-top: 16px; }
th, td { padding: 6px; border-bottom: 1px solid #ddd; text-align: right; }
th:first-child, td:first-child { text-align: left; }
.totals td { border: none; }
.draft { color: #b00; font-weight: bold; }
</style>
</head>
<body>
<h1>{{.Title}} {{.Number}}</h1>
{{if .Draft}}<p class="draft">DRAFT</p>{{end}}
<p>Issued {{.IssueDate}}{{if .DueDate}}, due {{.DueDate}}{{end}}</p>
<p><strong>{{.Client}}</strong>{{if .Email}}<br>{{.Email}}{{end}}</p>
{{if .Reference}}<p>Reference {{.Reference}}</p>{{end}}
<table>
<thead><tr><th>Description</th><th>Qty</th><th>Unit price</th><th>VAT</th><th>Progress</th></tr></thead>
<tbody>
{{range .Lines}}<tr><td>{{.Description}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.VAT}}</td><td>{{.Progress}}</td></tr>
{{end}}</tbody>
</table>
<table class="totals">
<tr><td>Total HT</td><td>{{.TotalHT}}</td></tr>
{{if .Discount}}<tr><td>Discount</td><td>-{{.Discount}}</td></tr>{{end}}
<tr><td>VAT</td><td>{{.TotalVAT}}</td></tr>
<tr><td><strong>Total TTC</strong></td><td><strong>{{.TotalTTC}}</strong></td></tr>
</table>
{{if .ReverseCharge}}<p>VAT reverse charge: VAT is payable by the customer.</p>{{end}}
{{if .Notes}}<p>{{.Notes}}</p>{{end}}
</body>
</html>`))

type documentView struct {
	Lang          string
	Title         string
	Number        string
	Draft         bool
	IssueDate     string
	DueDate       string
	Client        string
	Email         string
	Reference     string
	Lines         []lineView
	TotalHT       string
	Discount      string
	TotalVAT      string
	TotalTTC      string
	ReverseCharge bool
	Notes         string
}

type lineView struct {
	Description string
	Quantity    string
	UnitPrice   string
	VAT         string
	Progress    string
}

// DocumentRenderer turns billing documents into PDFs.
type DocumentRenderer struct {
	client   *Client
	lang     language.Tag
	printer  *message.Printer
	currency string
}

// NewDocumentRenderer builds a renderer formatting amounts for lang.
func NewDocumentRenderer(client *Client, lang language.Tag, currency string) *DocumentRenderer {
	if currency == "" {
		currency = "EUR"
	}
	return &DocumentRenderer{client: client, lang: lang, printer: message.NewPrinter(lang), currency: currency}
}

// RenderDocument renders doc to PDF through Gotenberg.
func (r *DocumentRenderer) RenderDocument(ctx context.Context, doc *billing.Document) ([]byte, error) {
	html, err := r.HTML(doc)
	if err != nil {
		return nil, err
	}
	return r.client.RenderHTML(ctx, html)
}

// HTML renders the document markup sent to Gotenberg.
func (r *DocumentRenderer) HTML(doc *billing.Document) (string, error) {
	view := documentView{
		Lang:          r.lang.String(),
		Title:         title(doc.Kind),
		Number:        doc.Prefix + doc.Number,
		Draft:         doc.Status == billing.StatusDraft,
		IssueDate:     doc.IssueDate.Format("2006-01-02"),
		Client:        doc.Client.Name,
		Email:         doc.Client.Email,
		Reference:     doc.PurchaseOrderNumber,
		TotalHT:       r.money(doc.FinalTotalHT),
		TotalVAT:      r.money(doc.FinalTotalVAT),
		TotalTTC:      r.money(doc.FinalTotalTTC),
		ReverseCharge: doc.IsReverseCharge,
		Notes:         doc.Notes,
	}
	if doc.DiscountAmount != 0 {
		view.Discount = r.money(doc.DiscountAmount)
	}
	if doc.DueDate != nil {
		view.DueDate = doc.DueDate.Format("2006-01-02")
	}
	for _, item := range doc.Items {
		view.Lines = append(view.Lines, lineView{
			Description: item.Description,
			Quantity:    r.printer.Sprintf("%v", item.Quantity),
			UnitPrice:   r.money(item.UnitPrice),
			VAT:         r.printer.Sprintf("%.1f %%", item.VATRate),
			Progress:    r.printer.Sprintf("%.0f %%", item.Progress()),
		})
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render document html: %w", err)
	}
	return buf.String(), nil
}

func (r *DocumentRenderer) money(v float64) string {
	return r.printer.Sprintf("%.2f %s", v, r.currency)
}

func title(kind billing.Kind) string {
	switch kind {
	case billing.KindQuote:
		return "Quote"
	case billing.KindCreditNote:
		return "Credit note"
	default:
		return "Invoice"
	}
}
