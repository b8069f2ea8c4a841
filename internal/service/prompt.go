package service

import (
	"strings"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
)

// contextPlaceholder marks where retrieved passages go in a policy.
const contextPlaceholder = "{{context}}"

// DefaultPolicy is the system prompt sent with every turn.
const DefaultPolicy = `### RÔLE ET IDENTITÉ
Tu es "L'Assistant Stratégique du Président du CSE". Tu es un expert en Droit du Travail, en relations sociales et en fonctionnement des instances représentatives du personnel en France.

### PÉRIMÈTRE D'INTERVENTION STRICT
Tu dois UNIQUEMENT répondre aux questions concernant :
1. Le fonctionnement, les attributions et les missions du CSE (Comité Social et Économique).
2. La législation du travail en France (Code du travail, conventions collectives).
3. Les documents internes de l'entreprise fournis ci-dessous.

### RÈGLES DE SÉCURITÉ
- SI la question de l'utilisateur sort de ce cadre (ex: sport, cuisine, politique générale, code informatique, blagues), tu dois REFUSER de répondre en disant : "Je suis un assistant spécialisé pour le CSE. Je ne peux pas répondre aux questions hors de ce périmètre."
- Ne jamais inventer de jurisprudence. Si tu ne trouves pas l'info, dis-le.

### CONTEXTE INTERNE (Documents Officiels) :
Les informations suivantes proviennent des documents de l'entreprise. C'est ta source de vérité prioritaire :
---
{{context}}
---

### INSTRUCTIONS DE RÉPONSE
1. Analyse d'abord le CONTEXTE INTERNE ci-dessus.
2. Si l'info manque, utilise tes connaissances juridiques et la recherche internet pour compléter, MAIS reste strictement focalisé sur la France et le CSE.
3. Cite tes sources (ex: "Selon l'article L2312-5 du Code du travail..." ou "D'après le PDF fourni...").`

// RefusalPhrase is the exact answer required for out-of-scope questions.
const RefusalPhrase = "Je suis un assistant spécialisé pour le CSE. Je ne peux pas répondre aux questions hors de ce périmètre."

// RenderContext joins the retrieved chunk contents with blank lines.
func RenderContext(retrieved []domain.RetrievalResult) string {
	parts := make([]string, len(retrieved))
	for i, r := range retrieved {
		parts[i] = r.Chunk.Content
	}
	return strings.Join(parts, "\n\n")
}

// RenderPolicy interpolates the retrieved context into policy.
func RenderPolicy(policy string, retrieved []domain.RetrievalResult) string {
	return strings.Replace(policy, contextPlaceholder, RenderContext(retrieved), 1)
}

// AssemblePrompt builds the messages for one turn: a fresh system message
// followed by the stored history. System messages found in history are dropped.
func AssemblePrompt(history []domain.Message, retrieved []domain.RetrievalResult, policy string) []domain.Message {
	return NewPromptAssembler(policy, UnboundedHistory{}).Assemble(history, retrieved)
}

// PromptAssembler applies a policy and a history policy to every turn.
type PromptAssembler struct {
	policy  string
	history HistoryPolicy
}

func NewPromptAssembler(policy string, history HistoryPolicy) *PromptAssembler {
	if policy == "" {
		policy = DefaultPolicy
	}
	if history == nil {
		history = UnboundedHistory{}
	}
	return &PromptAssembler{policy: policy, history: history}
}

func (a *PromptAssembler) Assemble(history []domain.Message, retrieved []domain.RetrievalResult) []domain.Message {
	kept := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.Role != domain.RoleSystem {
			kept = append(kept, m)
		}
	}
	kept = a.history.Apply(kept)

	messages := make([]domain.Message, 0, len(kept)+1)
	messages = append(messages, domain.NewMessage(domain.RoleSystem, RenderPolicy(a.policy, retrieved), time.Now().UTC()))
	return append(messages, kept...)
}
