package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultSpeechTokenURL = "https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken"
	defaultRelayTokenURL  = "https://%s.tts.speech.microsoft.com/cognitiveservices/avatar/relay/token/v1"
	defaultGrantURL       = "https://api.deepgram.com/v1/auth/grant"

	// Speech tokens are valid for ten minutes; refresh a little earlier.
	defaultSpeechTokenTTL = 9 * time.Minute
)

// Gateway issues short-lived credentials. It keeps no token state between
// calls, so every Fetch goes to the issuing service.
type Gateway struct {
	region          string
	subscriptionKey string
	answerStreamKey string
	recognizerKey   string
	recognizerGrant bool

	speechTokenURL string
	relayTokenURL  string
	grantURL       string
	speechTokenTTL time.Duration

	client *http.Client
	now    func() time.Time
}

type GatewayOption func(*Gateway)

func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		region:          "eastus2",
		recognizerGrant: true,
		speechTokenURL:  defaultSpeechTokenURL,
		relayTokenURL:   defaultRelayTokenURL,
		grantURL:        defaultGrantURL,
		speechTokenTTL:  defaultSpeechTokenTTL,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}
	return g
}

func WithRegion(region string) GatewayOption {
	return func(g *Gateway) {
		if region != "" {
			g.region = region
		}
	}
}

func WithSubscriptionKey(key string) GatewayOption {
	return func(g *Gateway) { g.subscriptionKey = key }
}

func WithAnswerStreamKey(key string) GatewayOption {
	return func(g *Gateway) { g.answerStreamKey = key }
}

// WithRecognizerKey sets the recognizer API key. When grant is true the key is
// exchanged for a short-lived bearer token, otherwise it is handed out as is.
func WithRecognizerKey(key string, grant bool) GatewayOption {
	return func(g *Gateway) {
		g.recognizerKey = key
		g.recognizerGrant = grant
	}
}

// WithSpeechTokenURL overrides the token issuing URL. A "%s" verb is replaced
// with the region.
func WithSpeechTokenURL(template string) GatewayOption {
	return func(g *Gateway) { g.speechTokenURL = template }
}

// WithRelayTokenURL overrides the ICE relay token URL. A "%s" verb is replaced
// with the region.
func WithRelayTokenURL(template string) GatewayOption {
	return func(g *Gateway) { g.relayTokenURL = template }
}

func WithGrantURL(url string) GatewayOption {
	return func(g *Gateway) { g.grantURL = url }
}

func WithSpeechTokenTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) {
		if ttl > 0 {
			g.speechTokenTTL = ttl
		}
	}
}

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) {
		if client != nil {
			g.client = client
		}
	}
}

func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

func (g *Gateway) Region() string { return g.region }

// Fetch issues a fresh credential for resource.
func (g *Gateway) Fetch(ctx context.Context, resource Resource) (Credential, error) {
	ctx, span := tracer.Start(ctx, "fetch credential")
	defer span.End()
	span.SetAttributes(attribute.String("credential.resource", string(resource)))

	var (
		credential Credential
		err        error
	)
	switch resource {
	case ResourceSpeechAvatar:
		credential, err = g.fetchSpeechAvatar(ctx)
	case ResourceRecognizer:
		credential, err = g.fetchRecognizer(ctx)
	case ResourceAnswerStream:
		if g.answerStreamKey == "" {
			err = fmt.Errorf("answer stream key: %w", ErrNotConfigured)
			break
		}
		credential = Credential{Resource: ResourceAnswerStream, Token: g.answerStreamKey}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Credential{}, err
	}
	return credential, nil
}

func (g *Gateway) fetchSpeechAvatar(ctx context.Context) (Credential, error) {
	issuedAt := g.now()
	token, err := g.SpeechToken(ctx)
	if err != nil {
		return Credential{}, err
	}

	relay, err := g.RelayToken(ctx)
	if err != nil {
		return Credential{}, err
	}

	return Credential{
		Resource:   ResourceSpeechAvatar,
		Token:      token,
		Scheme:     "Bearer",
		Region:     g.region,
		ICEServers: []ICEServer{relay.ICEServer()},
		ExpiresAt:  issuedAt.Add(g.speechTokenTTL),
	}, nil
}

// SpeechToken issues a speech service authorization token.
func (g *Gateway) SpeechToken(ctx context.Context) (string, error) {
	if g.subscriptionKey == "" {
		return "", fmt.Errorf("speech subscription key: %w", ErrNotConfigured)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.regionURL(g.speechTokenURL), nil)
	if err != nil {
		return "", fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", g.subscriptionKey)

	body, err := g.do(req)
	if err != nil {
		return "", fmt.Errorf("failed to issue speech token: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// RelayToken is the TURN relay grant returned by the avatar relay endpoint.
type RelayToken struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

func (r RelayToken) ICEServer() ICEServer {
	return ICEServer{URLs: r.URLs, Username: r.Username, Credential: r.Password}
}

// RelayToken fetches the ICE relay credentials for the avatar media session.
func (g *Gateway) RelayToken(ctx context.Context) (RelayToken, error) {
	if g.subscriptionKey == "" {
		return RelayToken{}, fmt.Errorf("speech subscription key: %w", ErrNotConfigured)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.regionURL(g.relayTokenURL), nil)
	if err != nil {
		return RelayToken{}, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", g.subscriptionKey)

	body, err := g.do(req)
	if err != nil {
		return RelayToken{}, fmt.Errorf("failed to fetch relay token: %w", err)
	}

	var token RelayToken
	if err := json.Unmarshal(body, &token); err != nil {
		return RelayToken{}, fmt.Errorf("error unmarshalling relay token: %w", err)
	}
	return token, nil
}

type grantResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   float64 `json:"expires_in"`
}

func (g *Gateway) fetchRecognizer(ctx context.Context) (Credential, error) {
	if g.recognizerKey == "" {
		return Credential{}, fmt.Errorf("recognizer key: %w", ErrNotConfigured)
	}
	if !g.recognizerGrant {
		return Credential{Resource: ResourceRecognizer, Token: g.recognizerKey, Scheme: "Token"}, nil
	}

	issuedAt := g.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.grantURL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+g.recognizerKey)

	body, err := g.do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to grant recognizer token: %w", err)
	}

	var grant grantResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return Credential{}, fmt.Errorf("error unmarshalling grant: %w", err)
	}

	return Credential{
		Resource:  ResourceRecognizer,
		Token:     grant.AccessToken,
		Scheme:    "Bearer",
		ExpiresAt: issuedAt.Add(time.Duration(grant.ExpiresIn * float64(time.Second))),
	}, nil
}

func (g *Gateway) regionURL(template string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, g.region)
	}
	return template
}

func (g *Gateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.WarnContext(req.Context(), "credential request rejected",
			"url", req.URL.Redacted(), "status", resp.StatusCode)
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return body, nil
}

// StatusError reports a non-OK response from an issuing service.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "non-OK HTTP status: " + e.Status
}
