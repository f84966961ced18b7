package judgment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/floorworks/forgefloor/core"
)

// llmVerdictSchema is embedded in the prompt so the model returns a
// parseable verdict rather than free text.
const llmVerdictSchema = `Respond with a single JSON object and nothing else, of the form:
{"result": "normal|warning|critical|unknown", "confidence": {"normal": 0.0, "warning": 0.0, "critical": 0.0}, "rationale": "..."}`

// llmVerdict calls client to judge input against policy's prompt, parsing
// the structured output into a Verdict plus call metadata for the
// evidence bundle. Fails with core.ErrLLMUnavailable (the call itself
// failed) or core.ErrLLMUnparsable (the response couldn't be decoded).
func llmVerdict(ctx context.Context, client core.AIClient, promptVersion string, input map[string]interface{}) (Verdict, LLMMetadata, error) {
	start := time.Now()

	payload, err := json.Marshal(input)
	if err != nil {
		return Verdict{}, LLMMetadata{}, fmt.Errorf("marshal judgment input: %w", err)
	}

	prompt := fmt.Sprintf("Evaluate the following manufacturing signal against prompt version %s.\n\nInput:\n%s\n\n%s",
		promptVersion, string(payload), llmVerdictSchema)

	resp, err := client.GenerateResponse(ctx, prompt, &core.AIOptions{Temperature: 0})
	if err != nil {
		return Verdict{}, LLMMetadata{}, fmt.Errorf("judgment llm call: %w: %w", core.ErrLLMUnavailable, err)
	}

	meta := LLMMetadata{
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
	}

	verdict, err := parseLLMVerdict(resp.Content)
	if err != nil {
		return Verdict{}, meta, fmt.Errorf("judgment llm response: %w: %w", core.ErrLLMUnparsable, err)
	}
	return verdict, meta, nil
}

type llmVerdictPayload struct {
	Result     Class              `json:"result"`
	Confidence map[Class]float64  `json:"confidence"`
}

func parseLLMVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("no JSON object found in LLM response")
	}

	var payload llmVerdictPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return Verdict{}, fmt.Errorf("decode LLM verdict: %w", err)
	}
	if payload.Result == "" {
		return Verdict{}, fmt.Errorf("LLM verdict missing result")
	}

	vec := make(ConfidenceVector, len(payload.Confidence))
	for k, v := range payload.Confidence {
		vec[k] = v
	}
	return Verdict{Result: payload.Result, Confidence: vec}, nil
}
