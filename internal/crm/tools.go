package crm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/schema"
	"github.com/nugget/quill/internal/tools"
)

// Tools exposes the store to the assistant.
type Tools struct {
	store *Store
	cfg   config.CRMConfig
	now   func() time.Time
}

// NewTools creates the CRM tool set.
func NewTools(store *Store, cfg config.CRMConfig) *Tools {
	if cfg.DefaultVATRate == 0 {
		cfg.DefaultVATRate = 20
	}
	return &Tools{store: store, cfg: cfg, now: time.Now}
}

// Descriptors returns every CRM tool, ready for tools.NewRegistry.
func (t *Tools) Descriptors() []*tools.Tool {
	return []*tools.Tool{
		t.searchClients(),
		t.createClient(),
		t.updateClient(),
		t.createProduct(),
		t.createDocument(KindQuote),
		t.createDocument(KindInvoice),
		t.sendEmail(),
	}
}

func (t *Tools) searchClients() *tools.Tool {
	return &tools.Tool{
		Name:        "search_clients",
		Description: "Recherche des clients existants par nom, société ou e-mail. À utiliser avant toute création de client.",
		Schema: schema.Object(
			schema.Prop("query", schema.String().NonEmpty().MaxLen(200).Describe("Texte recherché")),
			schema.Prop("limit", schema.Default(schema.Integer().Between(1, 50), 10).Describe("Nombre maximum de résultats")),
		),
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any, ec tools.ExecContext) (*tools.Result, error) {
			query := str(args, "query")
			found, err := t.store.SearchClients(ctx, ec.UserID, query, int(num(args, "limit")))
			if err != nil {
				return nil, err
			}

			list := make([]any, 0, len(found))
			for _, c := range found {
				list = append(list, map[string]any{
					"id": c.ID, "name": c.Name, "email": c.Email, "company": c.Company,
				})
			}
			summary := fmt.Sprintf("%d client(s) trouvé(s) pour « %s »", len(found), query)
			if len(found) == 0 {
				summary = fmt.Sprintf("Aucun client ne correspond à « %s »", query)
			}
			return &tools.Result{
				Success: true,
				Summary: summary,
				Data:    map[string]any{"count": len(found), "clients": list},
			}, nil
		}),
	}
}

func clientFields() []schema.Field {
	return []schema.Field{
		schema.Prop("email", schema.Optional(schema.String().WithFormat("email").MaxLen(254))),
		schema.Prop("phone", schema.Optional(schema.String().MaxLen(40))),
		schema.Prop("company", schema.Optional(schema.String().MaxLen(200))),
		schema.Prop("address", schema.Optional(schema.String().MaxLen(500))),
		schema.Prop("notes", schema.Optional(schema.String().MaxLen(2000))),
	}
}

// normalizeContact canonicalizes the contact fields shared by
// create_client and update_client.
func normalizeContact(args map[string]any, _ tools.ExecContext) map[string]any {
	out := maps.Clone(args)
	if name, ok := out["name"].(string); ok {
		out["name"] = strings.Join(strings.Fields(name), " ")
	}
	if email, ok := out["email"].(string); ok {
		out["email"] = strings.ToLower(email)
	}
	if phone, ok := out["phone"].(string); ok {
		out["phone"] = strings.NewReplacer(" ", "", ".", "", "-", "").Replace(phone)
	}
	return out
}

func (t *Tools) createClient() *tools.Tool {
	return &tools.Tool{
		Name:        "create_client",
		Description: "Crée un nouveau client. Vérifie d'abord avec search_clients qu'il n'existe pas.",
		Schema: schema.Object(append([]schema.Field{
			schema.Prop("name", schema.String().NonEmpty().MaxLen(200).Describe("Nom complet du client")),
		}, clientFields()...)...),
		RequiresConfirmation: true,
		Summary: func(args map[string]any) string {
			return "Créer le client " + str(args, "name")
		},
		Normalize: normalizeContact,
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any, ec tools.ExecContext) (*tools.Result, error) {
			c, err := t.store.CreateClient(ctx, Client{
				UserID:  ec.UserID,
				Name:    str(args, "name"),
				Email:   str(args, "email"),
				Phone:   str(args, "phone"),
				Company: str(args, "company"),
				Address: str(args, "address"),
				Notes:   str(args, "notes"),
			})
			if errors.Is(err, ErrDuplicate) {
				return nil, tools.Failf("conflict", "un client nommé « %s » existe déjà", str(args, "name"))
			}
			if err != nil {
				return nil, err
			}
			card, err := VCard(c)
			if err != nil {
				return nil, err
			}
			return &tools.Result{
				Success:    true,
				Summary:    fmt.Sprintf("Client %s créé", c.Name),
				Data:       map[string]any{"clientId": c.ID, "name": c.Name, "vcard": card},
				ActionCard: clientCard(c),
			}, nil
		}),
	}
}

func (t *Tools) updateClient() *tools.Tool {
	return &tools.Tool{
		Name:        "update_client",
		Description: "Met à jour les coordonnées d'un client existant. Seuls les champs fournis sont modifiés.",
		Schema: schema.Object(append([]schema.Field{
			schema.Prop("clientId", schema.String().NonEmpty()),
			schema.Prop("name", schema.Optional(schema.String().NonEmpty().MaxLen(200))),
		}, clientFields()...)...),
		RequiresConfirmation: true,
		Summary: func(args map[string]any) string {
			var changed []string
			for _, k := range []string{"name", "email", "phone", "company", "address", "notes"} {
				if _, ok := args[k]; ok {
					changed = append(changed, fieldLabels[k])
				}
			}
			if len(changed) == 0 {
				return "Mettre à jour le client " + str(args, "clientId")
			}
			return fmt.Sprintf("Mettre à jour le client %s (%s)", str(args, "clientId"), strings.Join(changed, ", "))
		},
		Normalize: normalizeContact,
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any, ec tools.ExecContext) (*tools.Result, error) {
			var p ClientPatch
			for k, dst := range map[string]**string{
				"name": &p.Name, "email": &p.Email, "phone": &p.Phone,
				"company": &p.Company, "address": &p.Address, "notes": &p.Notes,
			} {
				if v, ok := args[k].(string); ok {
					*dst = &v
				}
			}
			if p.Empty() {
				return nil, tools.Failf("invalid_request", "aucun champ à modifier")
			}

			id := str(args, "clientId")
			c, err := t.store.UpdateClient(ctx, ec.UserID, id, p)
			switch {
			case errors.Is(err, ErrNotFound):
				return nil, tools.Failf("not_found", "client %s introuvable", id)
			case errors.Is(err, ErrDuplicate):
				return nil, tools.Failf("conflict", "un autre client porte déjà ce nom")
			case err != nil:
				return nil, err
			}
			return &tools.Result{
				Success:    true,
				Summary:    fmt.Sprintf("Client %s mis à jour", c.Name),
				Data:       map[string]any{"clientId": c.ID, "name": c.Name},
				ActionCard: clientCard(c),
			}, nil
		}),
	}
}

var fieldLabels = map[string]string{
	"name": "nom", "email": "e-mail", "phone": "téléphone",
	"company": "société", "address": "adresse", "notes": "notes",
}

func clientCard(c *Client) *tools.ActionCard {
	card := &tools.ActionCard{
		Type:     "client",
		Title:    c.Name,
		Subtitle: c.Company,
		EntityID: c.ID,
		Actions:  []tools.CardAction{{Label: "Ouvrir la fiche", Href: "/clients/" + c.ID}},
	}
	if c.Email != "" {
		card.Fields = append(card.Fields, tools.CardField{Label: "E-mail", Value: c.Email})
	}
	if c.Phone != "" {
		card.Fields = append(card.Fields, tools.CardField{Label: "Téléphone", Value: c.Phone})
	}
	return card
}

func (t *Tools) createProduct() *tools.Tool {
	return &tools.Tool{
		Name:        "create_product",
		Description: "Ajoute un produit ou une prestation au catalogue.",
		Schema: schema.Object(
			schema.Prop("name", schema.String().NonEmpty().MaxLen(200)),
			schema.Prop("unitPrice", schema.Number().AtLeast(0).Describe("Prix unitaire hors taxes en euros")),
			schema.Prop("vatRate", schema.Optional(schema.Number().Between(0, 100).Describe("Taux de TVA en pourcentage"))),
			schema.Prop("unit", schema.Optional(schema.String().MaxLen(20).Describe("Unité, par exemple heure ou jour"))),
		),
		RequiresConfirmation: true,
		Summary: func(args map[string]any) string {
			return fmt.Sprintf("Créer le produit %s à %s HT", str(args, "name"), FormatEUR(num(args, "unitPrice")))
		},
		Normalize: func(args map[string]any, _ tools.ExecContext) map[string]any {
			out := maps.Clone(args)
			out["unitPrice"] = roundCents(num(args, "unitPrice"))
			if _, ok := out["vatRate"]; !ok {
				out["vatRate"] = t.cfg.DefaultVATRate
			}
			return out
		},
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any, ec tools.ExecContext) (*tools.Result, error) {
			p, err := t.store.CreateProduct(ctx, Product{
				UserID:    ec.UserID,
				Name:      str(args, "name"),
				UnitPrice: num(args, "unitPrice"),
				VATRate:   num(args, "vatRate"),
				Unit:      str(args, "unit"),
			})
			if err != nil {
				return nil, err
			}
			return &tools.Result{
				Success: true,
				Summary: fmt.Sprintf("Produit %s créé (%s HT, TVA %s %%)", p.Name, FormatEUR(p.UnitPrice), formatRate(p.VATRate)),
				Data:    map[string]any{"productId": p.ID, "name": p.Name, "unitPrice": p.UnitPrice},
				ActionCard: &tools.ActionCard{
					Type:     "product",
					Title:    p.Name,
					EntityID: p.ID,
					Fields: []tools.CardField{
						{Label: "Prix HT", Value: FormatEUR(p.UnitPrice)},
						{Label: "TVA", Value: formatRate(p.VATRate) + " %"},
					},
				},
			}, nil
		}),
	}
}

func (t *Tools) createDocument(kind DocumentKind) *tools.Tool {
	name, label, noun := "create_quote", "Devis", "un devis"
	if kind == KindInvoice {
		name, label, noun = "create_invoice", "Facture", "une facture"
	}
	line := schema.Object(
		schema.Prop("productId", schema.Optional(schema.String()).Describe("Produit du catalogue")),
		schema.Prop("description", schema.Optional(schema.String().MaxLen(500))),
		schema.Prop("quantity", schema.Default(schema.Number().AtLeast(0), 1)),
		schema.Prop("unitPrice", schema.Optional(schema.Number().AtLeast(0).Describe("Prix unitaire HT, obligatoire sans productId"))),
		schema.Prop("vatRate", schema.Optional(schema.Number().Between(0, 100))),
	)

	return &tools.Tool{
		Name:        name,
		Description: fmt.Sprintf("Crée %s brouillon pour un client existant. Termine la demande.", noun),
		Schema: schema.Object(
			schema.Prop("clientId", schema.String().NonEmpty()),
			schema.Prop("lines", schema.Array(line).NonEmpty()),
			schema.Prop("notes", schema.Optional(schema.String().MaxLen(2000))),
		),
		Terminal:  true,
		Normalize: normalizeLines,
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any, ec tools.ExecContext) (*tools.Result, error) {
			clientID := str(args, "clientId")
			c, err := t.store.GetClient(ctx, ec.UserID, clientID)
			if errors.Is(err, ErrNotFound) {
				return nil, tools.Failf("not_found", "client %s introuvable", clientID)
			}
			if err != nil {
				return nil, err
			}

			lines, err := t.resolveLines(ctx, ec.UserID, args["lines"])
			if err != nil {
				return nil, err
			}

			issue := t.now().In(ec.Location())
			issue = time.Date(issue.Year(), issue.Month(), issue.Day(), 0, 0, 0, 0, time.UTC)
			d, err := t.store.CreateDocument(ctx, Document{
				UserID:    ec.UserID,
				Kind:      kind,
				ClientID:  c.ID,
				IssueDate: issue,
				DueDate:   issue.AddDate(0, 0, t.cfg.InvoiceDueDays),
				Lines:     lines,
				Notes:     str(args, "notes"),
			})
			if err != nil {
				return nil, err
			}

			return &tools.Result{
				Success: true,
				Summary: fmt.Sprintf("%s brouillon %s créé%s pour %s (%s TTC)",
					label, d.Number, feminine(kind), c.Name, FormatEUR(d.TotalTTC)),
				Data: map[string]any{
					string(kind) + "Id": d.ID,
					"number":            d.Number,
					"clientId":          c.ID,
					"totalHT":           d.TotalHT,
					"totalVAT":          d.TotalVAT,
					"totalTTC":          d.TotalTTC,
				},
				ActionCard: &tools.ActionCard{
					Type:     string(kind),
					Title:    label + " " + d.Number,
					Subtitle: c.Name,
					EntityID: d.ID,
					Fields: []tools.CardField{
						{Label: "Total HT", Value: FormatEUR(d.TotalHT)},
						{Label: "TVA", Value: FormatEUR(d.TotalVAT)},
						{Label: "Total TTC", Value: FormatEUR(d.TotalTTC)},
						{Label: "Échéance", Value: d.DueDate.Format("02/01/2006")},
					},
					Actions: []tools.CardAction{{Label: "Ouvrir", Href: "/" + string(kind) + "s/" + d.ID}},
				},
			}, nil
		}),
	}
}

func feminine(k DocumentKind) string {
	if k == KindInvoice {
		return "e"
	}
	return ""
}

// normalizeLines rounds money and quantities so equivalent documents
// hash alike.
func normalizeLines(args map[string]any, _ tools.ExecContext) map[string]any {
	out := maps.Clone(args)
	raw, _ := args["lines"].([]any)
	lines := make([]any, 0, len(raw))
	for _, item := range raw {
		l, ok := item.(map[string]any)
		if !ok {
			lines = append(lines, item)
			continue
		}
		l = maps.Clone(l)
		if v, ok := l["unitPrice"].(float64); ok {
			l["unitPrice"] = roundCents(v)
		}
		if v, ok := l["quantity"].(float64); ok {
			l["quantity"] = math.Round(v*1000) / 1000
		}
		lines = append(lines, l)
	}
	out["lines"] = lines
	return out
}

// resolveLines fills line defaults from the catalogue.
func (t *Tools) resolveLines(ctx context.Context, userID string, raw any) ([]Line, error) {
	items, _ := raw.([]any)
	lines := make([]Line, 0, len(items))
	for i, item := range items {
		m, _ := item.(map[string]any)
		l := Line{
			ProductID:   str(m, "productId"),
			Description: str(m, "description"),
			Quantity:    num(m, "quantity"),
			UnitPrice:   -1,
			VATRate:     -1,
		}
		if v, ok := m["unitPrice"].(float64); ok {
			l.UnitPrice = v
		}
		if v, ok := m["vatRate"].(float64); ok {
			l.VATRate = v
		}

		if l.ProductID != "" {
			p, err := t.store.GetProduct(ctx, userID, l.ProductID)
			if errors.Is(err, ErrNotFound) {
				return nil, tools.Failf("not_found", "ligne %d : produit %s introuvable", i+1, l.ProductID)
			}
			if err != nil {
				return nil, err
			}
			if l.Description == "" {
				l.Description = p.Name
			}
			if l.UnitPrice < 0 {
				l.UnitPrice = p.UnitPrice
			}
			if l.VATRate < 0 {
				l.VATRate = p.VATRate
			}
		}
		if l.Description == "" || l.UnitPrice < 0 {
			return nil, tools.Failf("invalid_line", "ligne %d : description et prix unitaire requis sans produit", i+1)
		}
		if l.VATRate < 0 {
			l.VATRate = t.cfg.DefaultVATRate
		}
		if l.Quantity <= 0 {
			return nil, tools.Failf("invalid_line", "ligne %d : quantité nulle", i+1)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func (t *Tools) sendEmail() *tools.Tool {
	return &tools.Tool{
		Name:        "send_email",
		Description: "Envoie un e-mail à un client (clientId) ou à une adresse (to). Le corps est en markdown.",
		Schema: schema.Object(
			schema.Prop("clientId", schema.Optional(schema.String())),
			schema.Prop("to", schema.Optional(schema.String().WithFormat("email"))),
			schema.Prop("subject", schema.String().NonEmpty().MaxLen(200)),
			schema.Prop("body", schema.String().NonEmpty().MaxLen(20000)),
		),
		RequiresConfirmation: true,
		Summary: func(args map[string]any) string {
			dest := str(args, "to")
			if dest == "" {
				dest = "le client " + str(args, "clientId")
			}
			return fmt.Sprintf("Envoyer l'e-mail « %s » à %s", str(args, "subject"), dest)
		},
		Normalize: func(args map[string]any, _ tools.ExecContext) map[string]any {
			out := maps.Clone(args)
			if to, ok := out["to"].(string); ok {
				out["to"] = strings.ToLower(to)
			}
			return out
		},
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any, ec tools.ExecContext) (*tools.Result, error) {
			to := str(args, "to")
			clientID := str(args, "clientId")
			if clientID != "" {
				c, err := t.store.GetClient(ctx, ec.UserID, clientID)
				if errors.Is(err, ErrNotFound) {
					return nil, tools.Failf("not_found", "client %s introuvable", clientID)
				}
				if err != nil {
					return nil, err
				}
				if to == "" {
					if c.Email == "" {
						return nil, tools.Failf("no_email", "le client %s n'a pas d'adresse e-mail", c.Name)
					}
					to = fmt.Sprintf("%s <%s>", c.Name, c.Email)
				}
			}
			if to == "" {
				return nil, tools.Failf("invalid_request", "un destinataire (to ou clientId) est requis")
			}

			raw, msgID, err := Compose(Draft{
				From:    t.cfg.From,
				To:      []string{to},
				Subject: str(args, "subject"),
				Body:    str(args, "body"),
				Date:    t.now(),
			})
			if err != nil {
				return nil, tools.Failf("invalid_email", "%v", err)
			}
			e, err := t.store.QueueEmail(ctx, OutboxEmail{
				UserID:    ec.UserID,
				ClientID:  clientID,
				MessageID: msgID,
				To:        to,
				Subject:   str(args, "subject"),
				Raw:       raw,
			})
			if err != nil {
				return nil, err
			}
			return &tools.Result{
				Success: true,
				Summary: fmt.Sprintf("E-mail « %s » envoyé à %s", e.Subject, e.To),
				Data:    map[string]any{"emailId": e.ID, "messageId": e.MessageID},
			}, nil
		}),
	}
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func num(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// FormatEUR renders an amount the French way: "1 234,50 €".
func FormatEUR(v float64) string {
	neg := v < 0
	cents := int64(math.Round(math.Abs(v) * 100))
	whole := strconv.FormatInt(cents/100, 10)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	fmt.Fprintf(&b, ",%02d €", cents%100)
	return b.String()
}

func formatRate(v float64) string {
	return strings.Replace(strconv.FormatFloat(v, 'f', -1, 64), ".", ",", 1)
}
