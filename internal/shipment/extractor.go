package shipment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sony/gobreaker"
)

var ErrExtractionUnavailable = errors.New("extraction service unavailable")

// Extractor maps contextualized notification text to a structured record.
// Implementations must be safe for concurrent use. A returned error is
// converted to an ERROR disposition by the batch processor; it never aborts
// a batch.
type Extractor interface {
	Extract(ctx context.Context, text string) (Record, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, text string) (Record, error)

func (f ExtractorFunc) Extract(ctx context.Context, text string) (Record, error) {
	return f(ctx, text)
}

// recordSchema validates the shape of an extraction payload: an object whose
// known fields are strings. Extra keys are tolerated; the service is
// unreliable and over-producing is not worth rejecting.
const recordSchema = `{
  "type": "object",
  "properties": {
    "ship_date": {"type": "string"},
    "plant": {"type": "string"},
    "ship_type": {"type": "string"},
    "temperature": {"type": "string"},
    "order": {"type": "string"},
    "origin_port": {"type": "string"},
    "destination_port": {"type": "string"},
    "carrier": {"type": "string"},
    "vessel": {"type": "string"},
    "deadline": {"type": "string"},
    "booking_ref": {"type": "string"},
    "authorization_id": {"type": "string"},
    "summary": {"type": "string"},
    "transporter": {"type": "string"},
    "eta": {"type": "string"},
    "order_value": {"type": "string"},
    "status": {"type": "string"},
    "error": {"type": "string"}
  }
}`

var compiledRecordSchema = mustCompileRecordSchema()

func mustCompileRecordSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("record.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("record.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// statusNoData is the marker the service returns for documents it recognizes
// but that carry no shipment data.
const statusNoData = "NO_DATA"

var embeddedObject = regexp.MustCompile(`\{[^{}]*\}`)

// ParseExtractionPayload interprets raw extraction-service output. The
// service is unreliable: if the full output is not a JSON object, the first
// embedded object is tried before giving up. Schema violations and
// unsalvageable output yield an ERROR record, not an error.
func ParseExtractionPayload(raw string) Record {
	payload := strings.TrimSpace(raw)
	if payload == "" {
		return ErrorRecord("empty extraction payload")
	}
	record, ok := decodeRecordObject(payload)
	if ok {
		return record
	}
	if match := embeddedObject.FindString(payload); match != "" {
		if record, ok := decodeRecordObject(match); ok {
			return record
		}
	}
	return ErrorRecord(fmt.Sprintf("invalid extraction payload: %s", truncateDetail(payload)))
}

func decodeRecordObject(payload string) (Record, bool) {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return Record{}, false
	}
	object, isObject := value.(map[string]any)
	if !isObject {
		return Record{}, false
	}
	if err := compiledRecordSchema.Validate(value); err != nil {
		return ErrorRecord(fmt.Sprintf("extraction payload schema: %v", err)), true
	}
	if detail, ok := object["error"].(string); ok && detail != "" {
		return ErrorRecord(detail), true
	}
	if status, ok := object["status"].(string); ok && status != "" {
		if status == statusNoData {
			return NoDataRecord(), true
		}
		return ErrorRecord(fmt.Sprintf("unexpected extraction status %q", status)), true
	}
	data, err := json.Marshal(object)
	if err != nil {
		return Record{}, false
	}
	var fields ShipmentFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return Record{}, false
	}
	return ValidRecord(fields), true
}

func truncateDetail(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200]
}

const promptTemplate = `ANALYZE AND EXTRACT ONLY THE DATA FROM THIS SPECIFIC EXPORT NOTIFICATION:

%s

STRICT INSTRUCTIONS:
1. Extract information from this notification only; never combine notifications.
2. Always answer with a single valid JSON object using exactly these keys:
   ship_date, plant, ship_type, temperature, order, origin_port,
   destination_port, carrier, vessel, deadline, booking_ref,
   authorization_id, summary, transporter, eta, order_value
3. Leave a key as "" when the notification does not mention it.
4. Dates use YYYY-MM-DD; convert DD/MM/YYYY, leave "" when unclear.
5. If the notification carries no export data, answer {"status": "NO_DATA"}.

JSON:
`

// OllamaExtractorOptions configures the HTTP extraction client.
type OllamaExtractorOptions struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Breaker settings; zero values take the defaults below.
	BreakerFailureThreshold uint32
	BreakerCooldown         time.Duration
}

// OllamaExtractor calls a local LLM service over HTTP. Every call is
// time-bounded and routed through a circuit breaker so a wedged service
// fails fast instead of stalling batch after batch.
type OllamaExtractor struct {
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewOllamaExtractor(opts OllamaExtractorOptions) *OllamaExtractor {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "llama3:8b-instruct-fp16"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	failureThreshold := opts.BreakerFailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "extractor",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	})
	return &OllamaExtractor{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		breaker:    breaker,
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (e *OllamaExtractor) Extract(ctx context.Context, text string) (Record, error) {
	raw, err := e.breaker.Execute(func() (interface{}, error) {
		return e.generate(ctx, fmt.Sprintf(promptTemplate, text))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Record{}, fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
		}
		return Record{}, err
	}
	return ParseExtractionPayload(raw.(string)), nil
}

func (e *OllamaExtractor) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  e.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.1,
			"num_predict": 800,
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extraction service: http %d: %s", resp.StatusCode, truncateDetail(string(payload)))
	}
	var decoded ollamaResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("extraction service: decode response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("extraction service: %s", decoded.Error)
	}
	return decoded.Response, nil
}
