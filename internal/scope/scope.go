// Package scope decides whether a request belongs to the assistant's
// business domain. Requests outside it get a fixed answer without a
// model call.
package scope

import (
	"context"
	"strings"
	"unicode"
)

// OutOfScopeAnswer is returned verbatim for rejected requests.
const OutOfScopeAnswer = "Je suis votre assistant de facturation et de gestion client : je peux gérer vos clients, produits, devis, factures et e-mails, mais je ne peux pas vous aider sur ce sujet."

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed  bool
	Metadata map[string]any
}

// KeywordEvaluator rejects messages mentioning a blocked topic unless
// they also mention a business term. Matching is case-insensitive on
// whole words.
type KeywordEvaluator struct {
	blocked  []string
	business []string
}

// DefaultBusinessTerms keep a request in scope even if it also
// mentions a blocked topic ("facture pour le match de foot").
var DefaultBusinessTerms = []string{
	"client", "clients", "produit", "produits", "devis", "facture", "factures",
	"invoice", "quote", "email", "e-mail", "mail", "paiement", "tva", "relance",
}

// NewKeywordEvaluator creates an evaluator over blocked topics.
func NewKeywordEvaluator(blocked []string) *KeywordEvaluator {
	e := &KeywordEvaluator{business: normalizeAll(DefaultBusinessTerms)}
	e.blocked = normalizeAll(blocked)
	return e
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Evaluate classifies text. The keyword evaluator ignores history.
func (e *KeywordEvaluator) Evaluate(_ context.Context, _ []string, text string, _ map[string]any) (Decision, error) {
	words := wordSet(text)
	if len(e.blocked) == 0 {
		return Decision{Allowed: true}, nil
	}

	var hit string
	for _, topic := range e.blocked {
		if containsPhrase(words, text, topic) {
			hit = topic
			break
		}
	}
	if hit == "" {
		return Decision{Allowed: true}, nil
	}

	for _, term := range e.business {
		if containsPhrase(words, text, term) {
			return Decision{Allowed: true, Metadata: map[string]any{"blocked_topic": hit, "business_term": term}}, nil
		}
	}
	return Decision{Allowed: false, Metadata: map[string]any{"blocked_topic": hit}}, nil
}

func wordSet(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func containsPhrase(words map[string]bool, text, phrase string) bool {
	if !strings.Contains(phrase, " ") {
		return words[phrase]
	}
	return strings.Contains(strings.ToLower(text), phrase)
}
