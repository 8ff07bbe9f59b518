package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const basePrompt = `Tu es l'assistant d'une application de facturation et de gestion de clients.
Tu aides l'utilisateur à gérer ses clients, ses produits, ses devis, ses factures et ses e-mails.

Règles :
- Réponds toujours en français, de façon concise.
- Utilise les outils pour toute lecture ou modification de données ; n'invente jamais d'identifiant.
- Cherche un client existant avant d'en créer un nouveau.
- Les actions sensibles sont soumises à la confirmation de l'utilisateur : appelle l'outil directement, la demande de confirmation est gérée pour toi.
- Une action déjà confirmée et exécutée ne doit pas être redemandée.
- Si un outil échoue, explique le problème ou corrige les arguments.
- Refuse poliment les demandes sans rapport avec la gestion commerciale.`

// systemPrompt builds the system message for a model call.
func systemPrompt(now time.Time, loc *time.Location, reqCtx map[string]any) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	local := now.In(loc)
	fmt.Fprintf(&b, "\n\nDate du jour : %s (%s).", local.Format("2006-01-02 15:04"), loc.String())

	if len(reqCtx) > 0 {
		if raw, err := json.Marshal(reqCtx); err == nil {
			b.WriteString("\nContexte de l'écran courant : ")
			b.Write(raw)
		}
	}
	return b.String()
}
