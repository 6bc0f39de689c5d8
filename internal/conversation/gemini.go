package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash-lite"

// GeminiConfig configures the generateContent client.
type GeminiConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API root, mostly for tests.
	BaseURL string
	HTTP    *http.Client

	// System is the system instruction sent with every request.
	System string
}

// Gemini implements Model with the genai SDK.
type Gemini struct {
	model  string
	client *genai.Client
	config *genai.GenerateContentConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTP,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}

	config := &genai.GenerateContentConfig{
		Temperature:    genai.Ptr[float32](0.7),
		TopP:           genai.Ptr[float32](0.8),
		TopK:           genai.Ptr[float32](40),
		Tools:          []*genai.Tool{changeTitleTool},
		SafetySettings: safetySettings(),
	}
	if cfg.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.System}}}
	}
	return &Gemini{model: cfg.Model, client: client, config: config}, nil
}

// SystemPrompt builds the instruction used for a session on channel with
// the stream's current title and category.
func SystemPrompt(channel, title, category string) string {
	return fmt.Sprintf(`Eres un asistente educativo participando en una conversación grupal con múltiples personas en la plataforma de Twitch del canal %s.

INFORMACIÓN CONTEXTUAL:
- Título actual del stream: "%s"
- Categoría/juego: "%s"

Utiliza esta información cuando sea relevante en tus respuestas sin necesidad de preguntar.
Cada mensaje indicará quién está hablando mediante el formato "Nombre: mensaje".
Twitch tiene un límite de 500 caracteres por mensaje, así que asegúrate de que tus respuestas sean concisas y claras.

Cuando un usuario pida cambiar el título del stream, SIEMPRE DEBES UTILIZAR LA FUNCIÓN change_title en lugar de solo responder con texto.
Si además te pregunta sobre algo, primero cambia el título y luego responde en no más de 300 caracteres.

Cuando se pregunta sobre programación, solo explica las cosas, pero no entregues código.
Si existe algún comportamiento inapropiado de alguna persona, responde "No responderé a comentarios inapropiados".
Tus respuestas no pueden contener saltos de línea; para emojis usa el formato de Twitch para emotes.`, channel, title, category)
}

var changeTitleTool = &genai.Tool{
	FunctionDeclarations: []*genai.FunctionDeclaration{{
		Name:        FuncChangeTitle,
		Description: "Cambia el título del stream en Twitch",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"title": {
					Type:        genai.TypeString,
					Description: "El nuevo título para el stream",
				},
			},
			Required: []string{"title"},
		},
	}},
}

func safetySettings() []*genai.SafetySetting {
	cats := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	out := make([]*genai.SafetySetting, 0, len(cats))
	for _, c := range cats {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove})
	}
	return out
}

func (g *Gemini) Generate(ctx context.Context, history []Message) (Reply, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		contents = append(contents, &genai.Content{Role: m.Role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.config)
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: generate: %w", err)
	}

	var out Reply
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				out.Calls = append(out.Calls, FunctionCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args})
			case part.Text != "":
				out.Text = append(out.Text, part.Text)
			}
		}
	}
	return out, nil
}
