package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/telclaude/telclaude/common/retry"
)

// Observer asks an external classifier for a verdict on text and returns the
// raw JSON response. Transport and model choice live behind this interface;
// the engine owns validation, thresholds and circuit breaking.
type Observer interface {
	Classify(ctx context.Context, text string) ([]byte, error)
}

// observerSchema constrains the classifier response. Responses that fail
// validation are treated as observer failures, not as verdicts.
const observerSchema = `{
	"type": "object",
	"required": ["classification", "confidence"],
	"properties": {
		"classification": {"enum": ["ALLOW", "WARN", "BLOCK"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reason": {"type": "string"},
		"flaggedPatterns": {"type": "array", "items": {"type": "string"}},
		"suggestedTier": {"enum": ["READ_ONLY", "WRITE_LOCAL", "FULL_ACCESS", "SOCIAL"]}
	}
}`

var compiledObserverSchema = jsonschema.MustCompileString("observer.json", observerSchema)

// observerResponse is the validated classifier payload.
type observerResponse struct {
	Classification  Classification `json:"classification"`
	Confidence      float64        `json:"confidence"`
	Reason          string         `json:"reason"`
	FlaggedPatterns []string       `json:"flaggedPatterns"`
	SuggestedTier   Tier           `json:"suggestedTier"`
}

// parseObserverResponse validates raw against the schema and decodes it.
func parseObserverResponse(raw []byte) (*observerResponse, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("policy: observer response not JSON: %w", err)
	}
	if err := compiledObserverSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy: observer response invalid: %w", err)
	}
	resp := &observerResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("policy: decode observer response: %w", err)
	}
	return resp, nil
}

// HTTPObserver calls a classifier endpoint with a JSON body {"text": ...}.
type HTTPObserver struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPObserver creates an observer for url. token, when non-empty, is
// sent as a bearer credential. timeout bounds the whole call.
func NewHTTPObserver(url, token string, timeout time.Duration) *HTTPObserver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPObserver{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// errObserverRejected marks 4xx responses, which a retry cannot fix.
var errObserverRejected = errors.New("policy: observer rejected request")

func (o *HTTPObserver) Classify(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("policy: marshal observer request: %w", err)
	}

	var raw []byte
	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, errObserverRejected)
		},
	}, func() error {
		var callErr error
		raw, callErr = o.classifyOnce(ctx, body)
		return callErr
	})
	return raw, err
}

func (o *HTTPObserver) classifyOnce(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy: build observer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy: observer call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: status %d", errObserverRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("policy: observer returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("policy: read observer response: %w", err)
	}
	return raw, nil
}
