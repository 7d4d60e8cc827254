package alerts

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"sentinel/models"
)

const analysisPrompt = `You are analyzing security camera footage for first responders. Provide a clear, actionable incident report.

DETECTED EVENT DATA:
- Weapon types detected: %s
- Event duration: %.1f seconds
- Screenshots captured: %d

Provide a FIRST RESPONDER BRIEFING covering:
- Immediate threat assessment (CRITICAL / HIGH / MODERATE / LOW) with reasoning
- Suspect description: individuals visible, clothing, current actions, direction of movement
- Weapon details: type, status (drawn or holstered, raised or lowered), which hand
- Location and environment: indoor or outdoor, bystanders visible, entry and exit points
- Critical information for response: dangers to responders, recommended approach

Keep descriptions clear, concise, and focused on tactical response needs. Use precise language that officers can act on immediately.`

// GeminiAnalyzer turns an event's screenshots into a first-responder
// briefing using the Gemini vision API.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

func NewGeminiAnalyzer(ctx context.Context, apiKey, model string) (*GeminiAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %v", err)
	}

	return &GeminiAnalyzer{client: client, model: model}, nil
}

// AnalyzeEvent sends the captured screenshots and event context to Gemini
// and returns the generated briefing.
func (g *GeminiAnalyzer) AnalyzeEvent(ctx context.Context, event models.Event, images [][]byte) (string, error) {
	parts := make([]*genai.Part, 0, len(images)+1)
	for _, image := range images {
		parts = append(parts, genai.NewPartFromBytes(image, "image/jpeg"))
	}

	prompt := fmt.Sprintf(analysisPrompt,
		weaponList(event), event.Duration().Seconds(), len(event.Shots))
	parts = append(parts, genai.NewPartFromText(prompt))

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.4)),
		TopP:            genai.Ptr(float32(0.8)),
		MaxOutputTokens: int32(1024),
	}

	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		config,
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate analysis: %v", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty analysis response")
	}
	return strings.ReplaceAll(text, "*", ""), nil
}

func weaponList(event models.Event) string {
	if len(event.Labels) == 0 {
		return "Unknown"
	}
	return strings.Join(event.Labels, ", ")
}
