package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kvitton/backend/internal/retry"
)

// HTTPAssessorConfig configures the provider client.
type HTTPAssessorConfig struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration // per-attempt budget
	MaxRetries int
	RPM        int // requests per minute, 0 disables limiting
}

// HTTPAssessor calls an external risk assessment provider over JSON HTTP.
// Calls are rate limited and retried with backoff; client errors (4xx) are
// not retried.
type HTTPAssessor struct {
	cfg     HTTPAssessorConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPAssessor creates the provider client.
func NewHTTPAssessor(cfg HTTPAssessorConfig) *HTTPAssessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RPM)), 1)
	}
	return &HTTPAssessor{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

type assessRequest struct {
	Model       string          `json:"model"`
	Transaction ProviderRequest `json:"transaction"`
}

type assessResponse struct {
	RiskScore      int      `json:"riskScore"`
	RiskLevel      string   `json:"riskLevel"`
	Confidence     float64  `json:"confidence"`
	Recommendation string   `json:"recommendation"`
	Reasoning      []string `json:"reasoning"`
	Model          string   `json:"model"`
	Usage          struct {
		TotalTokens int `json:"totalTokens"`
	} `json:"usage"`
}

// AssessRisk sends one scoring request. The returned error wraps
// ErrAssessorUnavailable or ErrAssessorMalformed so the engine can take the
// fallback path.
func (a *HTTPAssessor) AssessRisk(ctx context.Context, req ProviderRequest) (*ProviderAssessment, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrAssessorUnavailable, err)
		}
	}

	body, err := json.Marshal(assessRequest{Model: a.cfg.Model, Transaction: req})
	if err != nil {
		return nil, fmt.Errorf("failed to encode assessment request: %w", err)
	}

	var result *ProviderAssessment
	err = retry.Do(ctx, a.cfg.MaxRetries, 500*time.Millisecond, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to build assessment request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAssessorUnavailable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrAssessorUnavailable, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: provider rate limited", ErrAssessorUnavailable)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: provider returned %d", ErrAssessorUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			return retry.Permanent(fmt.Errorf("%w: provider rejected request with %d", ErrAssessorUnavailable, resp.StatusCode))
		}

		parsed, err := parseAssessment(raw)
		if err != nil {
			return retry.Permanent(err)
		}
		result = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseAssessment validates the provider payload. Anything out of contract is
// malformed, which the engine treats like an outage.
func parseAssessment(raw []byte) (*ProviderAssessment, error) {
	var resp assessResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssessorMalformed, err)
	}
	if resp.RiskScore < 0 || resp.RiskScore > 100 {
		return nil, fmt.Errorf("%w: risk score %d out of range", ErrAssessorMalformed, resp.RiskScore)
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %.2f out of range", ErrAssessorMalformed, resp.Confidence)
	}
	rec := Recommendation(resp.Recommendation)
	switch rec {
	case RecommendApprove, RecommendReview, RecommendReject, RecommendInvestigate:
	default:
		return nil, fmt.Errorf("%w: unknown recommendation %q", ErrAssessorMalformed, resp.Recommendation)
	}
	level := RiskLevel(resp.RiskLevel)
	switch level {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	case "":
		level = riskLevelFor(resp.RiskScore)
	default:
		return nil, fmt.Errorf("%w: unknown risk level %q", ErrAssessorMalformed, resp.RiskLevel)
	}

	return &ProviderAssessment{
		RiskScore:      resp.RiskScore,
		RiskLevel:      level,
		Confidence:     resp.Confidence,
		Recommendation: rec,
		Reasoning:      resp.Reasoning,
		Model:          resp.Model,
		TokensUsed:     resp.Usage.TotalTokens,
	}, nil
}
