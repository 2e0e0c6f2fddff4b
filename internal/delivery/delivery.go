// Package delivery hands surveys to the outbound notification gateway.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/djlord-it/surveycron/internal/circuitbreaker"
	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/metrics"
)

// ErrDeliveryFailed is returned when the gateway did not accept the survey.
var ErrDeliveryFailed = errors.New("delivery failed")

const (
	HeaderRequestID  = "X-Survey-Request-ID"
	HeaderScheduleID = "X-Survey-Schedule-ID"
	HeaderSignature  = "X-Survey-Signature"
)

// maxResponseBody bounds how much of the gateway response is read.
const maxResponseBody = 64 << 10

// Sender delivers one survey to one patient.
type Sender interface {
	SendSurvey(ctx context.Context, d domain.SurveyDelivery) (domain.DeliveryResult, error)
}

type Payload struct {
	RequestID   string         `json:"request_id"`
	ScheduleID  string         `json:"schedule_id"`
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name"`
	StrategyID  string         `json:"strategy_id"`
	FrequencyID string         `json:"frequency_id"`
	SurveyIDs   []string       `json:"survey_ids"`
	Patient     PatientPayload `json:"patient"`
	SentAt      string         `json:"sent_at"`
}

type PatientPayload struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Language string `json:"language,omitempty"`
}

type gatewayResponse struct {
	TrackingID string `json:"tracking_id"`
}

// HTTPSender posts signed survey payloads to the gateway.
type HTTPSender struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	limiter *rate.Limiter
	clock   func() time.Time
	metrics metrics.Sink
	logger  zerolog.Logger
}

func NewHTTPSender(url, secret string) *HTTPSender {
	return &HTTPSender{
		url:     url,
		secret:  secret,
		client:  &http.Client{},
		clock:   time.Now,
		metrics: metrics.NewNoopSink(),
		logger:  zerolog.Nop(),
	}
}

func (s *HTTPSender) WithClient(c *http.Client) *HTTPSender {
	s.client = c
	return s
}

// WithCircuitBreaker skips the gateway while it is failing and logs every
// change of circuit state.
func (s *HTTPSender) WithCircuitBreaker(cb *circuitbreaker.Breaker) *HTTPSender {
	s.breaker = cb.OnStateChange(func(key, from, to string) {
		level := zerolog.InfoLevel
		if to == circuitbreaker.StateOpen {
			level = zerolog.WarnLevel
		}
		s.logger.WithLevel(level).Str("gateway", key).Str("from", from).Str("to", to).Msg("delivery: circuit state changed")
	})
	return s
}

// WithRateLimit caps outbound requests per second. perSecond <= 0 means unlimited.
func (s *HTTPSender) WithRateLimit(perSecond float64, burst int) *HTTPSender {
	if perSecond <= 0 {
		s.limiter = nil
		return s
	}
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return s
}

func (s *HTTPSender) WithClock(clock func() time.Time) *HTTPSender {
	s.clock = clock
	return s
}

func (s *HTTPSender) WithMetrics(sink metrics.Sink) *HTTPSender {
	if sink != nil {
		s.metrics = sink
	}
	return s
}

func (s *HTTPSender) WithLogger(logger zerolog.Logger) *HTTPSender {
	s.logger = logger
	return s
}

// SendSurvey posts the survey and returns the gateway's tracking id.
// Any non-2xx answer, transport error or open circuit is an error wrapping
// ErrDeliveryFailed; the caller's context bounds the whole call.
func (s *HTTPSender) SendSurvey(ctx context.Context, d domain.SurveyDelivery) (domain.DeliveryResult, error) {
	// Wait for a token first: once Allow admits the half-open probe, every
	// path must report back to the breaker.
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return domain.DeliveryResult{}, fmt.Errorf("%w: rate limit: %w", ErrDeliveryFailed, err)
		}
	}
	if s.breaker != nil {
		if err := s.breaker.Allow(s.url); err != nil {
			s.metrics.DeliveryCompleted(metrics.StatusClassCircuitOpen, 0)
			return domain.DeliveryResult{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
	}

	start := time.Now()
	status, result, err := s.post(ctx, d)
	s.metrics.DeliveryCompleted(metrics.ClassifyStatus(status, err), time.Since(start))

	if s.breaker != nil {
		// 4xx means the gateway is up and rejected this one payload.
		if err == nil || (status >= 400 && status < 500) {
			s.breaker.Success(s.url)
		} else {
			s.breaker.Failure(s.url)
		}
	}
	if err != nil {
		return domain.DeliveryResult{}, err
	}
	return result, nil
}

func (s *HTTPSender) post(ctx context.Context, d domain.SurveyDelivery) (int, domain.DeliveryResult, error) {
	payload := Payload{
		RequestID:   uuid.NewString(),
		ScheduleID:  d.ScheduleID,
		ProjectID:   d.ProjectID,
		ProjectName: d.ProjectName,
		StrategyID:  d.StrategyID,
		FrequencyID: d.FrequencyID,
		SurveyIDs:   d.SurveyIDs,
		Patient: PatientPayload{
			ID:       d.Patient.ID,
			Email:    d.Patient.Email,
			Phone:    d.Patient.Phone,
			Language: d.Patient.Language,
		},
		SentAt: domain.FormatTimestamp(s.clock()),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, domain.DeliveryResult{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, domain.DeliveryResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, payload.RequestID)
	req.Header.Set(HeaderScheduleID, d.ScheduleID)
	req.Header.Set(HeaderSignature, ComputeSignature(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, domain.DeliveryResult{}, fmt.Errorf("%w: send: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, domain.DeliveryResult{}, fmt.Errorf("%w: gateway returned %d", ErrDeliveryFailed, resp.StatusCode)
	}

	var gr gatewayResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &gr); err != nil {
			s.logger.Warn().
				Err(err).
				Str("schedule_id", d.ScheduleID).
				Msg("delivery: accepted but response body is not JSON")
		}
	}

	return resp.StatusCode, domain.DeliveryResult{Delivered: true, TrackingID: gr.TrackingID}, nil
}

func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for the gateway side to authenticate incoming payloads.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// LogSender accepts every survey and only logs it. Used when no gateway URL
// is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendSurvey(_ context.Context, d domain.SurveyDelivery) (domain.DeliveryResult, error) {
	trackingID := uuid.NewString()
	s.logger.Info().
		Str("schedule_id", d.ScheduleID).
		Str("project_id", d.ProjectID).
		Str("patient_id", d.Patient.ID).
		Strs("survey_ids", d.SurveyIDs).
		Str("tracking_id", trackingID).
		Msg("delivery: survey logged")
	return domain.DeliveryResult{Delivered: true, TrackingID: trackingID}, nil
}
