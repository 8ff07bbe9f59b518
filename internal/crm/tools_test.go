package crm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/go-cmp/cmp"

	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/dedup"
	"github.com/nugget/quill/internal/schema"
	"github.com/nugget/quill/internal/tools"
)

type toolHarness struct {
	store *Store
	reg   *tools.Registry
	ec    tools.ExecContext
}

func newToolHarness(t *testing.T) *toolHarness {
	t.Helper()
	s := testStore(t)
	ct := NewTools(s, config.CRMConfig{From: "Quill <facturation@example.com>", DefaultVATRate: 20, InvoiceDueDays: 30})
	ct.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }

	reg, err := tools.NewRegistry(ct.Descriptors()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &toolHarness{store: s, reg: reg, ec: tools.ExecContext{UserID: "u1", ConversationID: "c1", Timezone: "UTC"}}
}

// call runs a tool the way the orchestrator does: validate, normalize,
// execute.
func (h *toolHarness) call(t *testing.T, name string, raw map[string]any) (*tools.Result, error) {
	t.Helper()
	tool, err := h.reg.Get(name)
	if err != nil {
		t.Fatalf("Get(%s): %v", name, err)
	}
	args, err := schema.ValidateArgs(tool.Schema, raw)
	if err != nil {
		return nil, err
	}
	return tool.Handler.Execute(context.Background(), dedup.Normalize(tool, args, h.ec), h.ec)
}

func (h *toolHarness) mustCall(t *testing.T, name string, raw map[string]any) *tools.Result {
	t.Helper()
	res, err := h.call(t, name, raw)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if !res.Success {
		t.Fatalf("%s: unsuccessful: %+v", name, res)
	}
	return res
}

func TestDescriptors(t *testing.T) {
	h := newToolHarness(t)

	want := []string{"create_client", "create_invoice", "create_product", "create_quote", "search_clients", "send_email", "update_client"}
	if diff := cmp.Diff(want, h.reg.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	confirmed := map[string]bool{}
	terminal := map[string]bool{}
	for _, name := range want {
		tool, _ := h.reg.Get(name)
		confirmed[name] = tool.RequiresConfirmation
		terminal[name] = tool.Terminal
	}
	for _, name := range []string{"create_client", "update_client", "create_product", "send_email"} {
		if !confirmed[name] {
			t.Errorf("%s should require confirmation", name)
		}
	}
	for _, name := range []string{"create_quote", "create_invoice"} {
		if !terminal[name] || confirmed[name] {
			t.Errorf("%s should be terminal without confirmation", name)
		}
	}

	cc, _ := h.reg.Get("create_client")
	if got := cc.ConfirmationSummary(map[string]any{"name": "Jean Dupont"}); got != "Créer le client Jean Dupont" {
		t.Errorf("summary = %q", got)
	}
}

func TestCreateClient(t *testing.T) {
	h := newToolHarness(t)

	res := h.mustCall(t, "create_client", map[string]any{
		"name":  "  Jean   Dupont ",
		"email": "Jean.Dupont@Example.com",
		"phone": "06 12 34 56 78",
	})
	id, _ := res.Data["clientId"].(string)
	if id == "" {
		t.Fatalf("no clientId in %+v", res.Data)
	}
	c, err := h.store.GetClient(context.Background(), "u1", id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Jean Dupont" || c.Email != "jean.dupont@example.com" || c.Phone != "0612345678" {
		t.Errorf("client = %+v", c)
	}

	card, _ := res.Data["vcard"].(string)
	for _, want := range []string{"BEGIN:VCARD", "VERSION:4.0", "FN:Jean Dupont", "EMAIL:jean.dupont@example.com", "N:Dupont;Jean"} {
		if !strings.Contains(card, want) {
			t.Errorf("vcard missing %q:\n%s", want, card)
		}
	}
	if res.ActionCard == nil || res.ActionCard.EntityID != id {
		t.Errorf("action card = %+v", res.ActionCard)
	}

	_, err = h.call(t, "create_client", map[string]any{"name": "jean dupont"})
	var de *tools.DomainError
	if !errors.As(err, &de) || de.Code != "conflict" {
		t.Errorf("duplicate err = %v, want conflict", err)
	}

	_, err = h.call(t, "create_client", map[string]any{"name": "Paul", "email": "pas-un-email"})
	var verrs schema.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Errorf("bad email err = %v, want validation errors", err)
	}
}

func TestSearchClients(t *testing.T) {
	h := newToolHarness(t)
	h.mustCall(t, "create_client", map[string]any{"name": "Jean Dupont"})
	h.mustCall(t, "create_client", map[string]any{"name": "Marie Dupont"})

	res := h.mustCall(t, "search_clients", map[string]any{"query": "dupont"})
	if res.Data["count"] != 2 {
		t.Errorf("count = %v, want 2", res.Data["count"])
	}

	res = h.mustCall(t, "search_clients", map[string]any{"query": "Martin"})
	if res.Summary != "Aucun client ne correspond à « Martin »" {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestUpdateClient(t *testing.T) {
	h := newToolHarness(t)
	id := h.mustCall(t, "create_client", map[string]any{"name": "Jean Dupont"}).Data["clientId"].(string)

	uc, _ := h.reg.Get("update_client")
	summary := uc.ConfirmationSummary(map[string]any{"clientId": id, "email": "j@example.com"})
	if summary != "Mettre à jour le client "+id+" (e-mail)" {
		t.Errorf("summary = %q", summary)
	}

	h.mustCall(t, "update_client", map[string]any{"clientId": id, "email": "J@Example.com"})
	c, _ := h.store.GetClient(context.Background(), "u1", id)
	if c.Email != "j@example.com" {
		t.Errorf("email = %q", c.Email)
	}

	if _, err := h.call(t, "update_client", map[string]any{"clientId": id}); !tools.IsDomainError(err) {
		t.Errorf("empty patch err = %v, want domain error", err)
	}
	if _, err := h.call(t, "update_client", map[string]any{"clientId": "nope", "phone": "01"}); !tools.IsDomainError(err) {
		t.Errorf("unknown client err = %v, want domain error", err)
	}
}

func TestCreateInvoice(t *testing.T) {
	h := newToolHarness(t)
	clientID := h.mustCall(t, "create_client", map[string]any{"name": "Jean Dupont"}).Data["clientId"].(string)
	productID := h.mustCall(t, "create_product", map[string]any{"name": "Journée de conseil", "unitPrice": 450.0}).Data["productId"].(string)

	res := h.mustCall(t, "create_invoice", map[string]any{
		"clientId": clientID,
		"lines": []any{
			map[string]any{"productId": productID, "quantity": 2.0},
			map[string]any{"description": "Frais de déplacement", "unitPrice": 80.0, "vatRate": 0.0},
		},
	})

	if want := "Facture brouillon F-2026-0001 créée pour Jean Dupont (1 160,00 € TTC)"; res.Summary != want {
		t.Errorf("summary = %q, want %q", res.Summary, want)
	}
	id, _ := res.Data["invoiceId"].(string)
	d, err := h.store.GetDocument(context.Background(), "u1", id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Lines[0].Description != "Journée de conseil" || d.Lines[0].VATRate != 20 || d.Lines[1].Quantity != 1 {
		t.Errorf("lines = %+v", d.Lines)
	}
	if got := d.DueDate.Format(time.DateOnly); got != "2026-04-13" {
		t.Errorf("due date = %s", got)
	}

	quote := h.mustCall(t, "create_quote", map[string]any{
		"clientId": clientID,
		"lines":    []any{map[string]any{"productId": productID}},
	})
	if _, ok := quote.Data["quoteId"]; !ok || quote.Data["number"] != "D-2026-0001" {
		t.Errorf("quote data = %+v", quote.Data)
	}
}

func TestCreateInvoice_Errors(t *testing.T) {
	h := newToolHarness(t)
	clientID := h.mustCall(t, "create_client", map[string]any{"name": "Jean Dupont"}).Data["clientId"].(string)

	tests := []struct {
		name string
		args map[string]any
		code string
	}{
		{"unknown client", map[string]any{"clientId": "nope", "lines": []any{map[string]any{"description": "x", "unitPrice": 1.0}}}, "not_found"},
		{"unknown product", map[string]any{"clientId": clientID, "lines": []any{map[string]any{"productId": "nope"}}}, "not_found"},
		{"free line without price", map[string]any{"clientId": clientID, "lines": []any{map[string]any{"description": "x"}}}, "invalid_line"},
		{"zero quantity", map[string]any{"clientId": clientID, "lines": []any{map[string]any{"description": "x", "unitPrice": 1.0, "quantity": 0.0}}}, "invalid_line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.call(t, "create_invoice", tt.args)
			var de *tools.DomainError
			if !errors.As(err, &de) || de.Code != tt.code {
				t.Errorf("err = %v, want %s", err, tt.code)
			}
		})
	}

	if _, err := h.call(t, "create_invoice", map[string]any{"clientId": clientID, "lines": []any{}}); err == nil {
		t.Error("empty lines accepted")
	}
}

func TestNormalizeLines_HashStable(t *testing.T) {
	h := newToolHarness(t)
	tool, _ := h.reg.Get("create_invoice")

	hashOf := func(raw map[string]any) string {
		args, err := schema.ValidateArgs(tool.Schema, raw)
		if err != nil {
			t.Fatal(err)
		}
		sum, err := dedup.Hash(dedup.Normalize(tool, args, h.ec))
		if err != nil {
			t.Fatal(err)
		}
		return sum
	}
	a := hashOf(map[string]any{"clientId": "c", "lines": []any{map[string]any{"description": "x", "unitPrice": 10.004}}})
	b := hashOf(map[string]any{"lines": []any{map[string]any{"unitPrice": 10.0, "description": " x", "quantity": 1.0}}, "clientId": "c "})
	if a != b {
		t.Errorf("equivalent invoices hash differently: %s vs %s", a, b)
	}
}

func TestSendEmail(t *testing.T) {
	h := newToolHarness(t)
	clientID := h.mustCall(t, "create_client", map[string]any{"name": "Jean Dupont", "email": "jean@example.com"}).Data["clientId"].(string)

	se, _ := h.reg.Get("send_email")
	if got := se.ConfirmationSummary(map[string]any{"clientId": clientID, "subject": "Relance"}); got != "Envoyer l'e-mail « Relance » à le client "+clientID {
		t.Errorf("summary = %q", got)
	}

	res := h.mustCall(t, "send_email", map[string]any{
		"clientId": clientID,
		"subject":  "Votre facture",
		"body":     "Bonjour,\n\nVeuillez trouver **votre facture** ci-jointe.",
	})
	if res.Data["messageId"] == "" {
		t.Errorf("no message id: %+v", res.Data)
	}

	out, err := h.store.Outbox(context.Background(), "u1")
	if err != nil || len(out) != 1 {
		t.Fatalf("outbox = %v, %v", out, err)
	}
	if out[0].To != "Jean Dupont <jean@example.com>" {
		t.Errorf("recipient = %q", out[0].To)
	}

	mr, err := mail.CreateReader(bytes.NewReader(out[0].Raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	if subj, _ := mr.Header.Subject(); subj != "Votre facture" {
		t.Errorf("subject = %q", subj)
	}
	var types []string
	var plain string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		ct, _, _ := p.Header.(*mail.InlineHeader).ContentType()
		types = append(types, ct)
		body, _ := io.ReadAll(p.Body)
		if ct == "text/plain" {
			plain = string(body)
		}
	}
	if diff := cmp.Diff([]string{"text/plain", "text/html"}, types); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(plain, "Veuillez trouver votre facture") {
		t.Errorf("plain body = %q", plain)
	}

	_, err = h.call(t, "send_email", map[string]any{"subject": "x", "body": "y"})
	if !tools.IsDomainError(err) {
		t.Errorf("missing recipient err = %v, want domain error", err)
	}
}

func TestFormatEUR(t *testing.T) {
	tests := map[float64]string{
		0:          "0,00 €",
		9.5:        "9,50 €",
		1160:       "1 160,00 €",
		1234567.89: "1 234 567,89 €",
		-42.1:      "-42,10 €",
	}
	for in, want := range tests {
		if got := FormatEUR(in); got != want {
			t.Errorf("FormatEUR(%v) = %q, want %q", in, got, want)
		}
	}
}
