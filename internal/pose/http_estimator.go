package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/posesync/internal/capture"
	"github.com/rs/zerolog"
)

// HTTPEstimatorConfig configures the remote pose-inference service
type HTTPEstimatorConfig struct {
	BaseURL string
	Timeout time.Duration
	Options Options
}

// HTTPEstimator posts frames to a pose-inference service and decodes the
// returned landmarks.
type HTTPEstimator struct {
	config     HTTPEstimatorConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

type estimateResponse struct {
	Landmarks []Landmark `json:"landmarks"`
	Error     string     `json:"error,omitempty"`
}

// NewHTTPEstimator creates an estimator client
func NewHTTPEstimator(cfg HTTPEstimatorConfig, logger zerolog.Logger) (*HTTPEstimator, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &HTTPEstimator{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "pose-http").Logger(),
	}, nil
}

// Estimate implements Estimator
func (e *HTTPEstimator) Estimate(ctx context.Context, frame capture.Packet) (LandmarkSet, bool, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("frame", "frame."+frameExt(frame.Format))
	if err != nil {
		return nil, false, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, false, fmt.Errorf("write frame: %w", err)
	}

	opts := e.config.Options
	fields := map[string]string{
		"model_complexity":         strconv.Itoa(opts.ModelComplexity),
		"smooth_landmarks":         strconv.FormatBool(opts.SmoothLandmarks),
		"min_detection_confidence": strconv.FormatFloat(opts.MinDetectionConfidence, 'f', -1, 64),
		"min_tracking_confidence":  strconv.FormatFloat(opts.MinTrackingConfidence, 'f', -1, 64),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, false, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, false, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/pose", &body)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("pose request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("pose service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("decode landmarks: %w", err)
	}

	e.logger.Debug().
		Uint64("seq", frame.Seq).
		Int("landmarks", len(result.Landmarks)).
		Dur("latency", time.Since(start)).
		Msg("Pose estimated")

	if len(result.Landmarks) == 0 {
		return nil, false, nil
	}
	set := LandmarkSet(result.Landmarks)
	for i := range set {
		set[i].X = clamp01(set[i].X)
		set[i].Y = clamp01(set[i].Y)
	}
	return set, true, nil
}

// CheckHealth pings the service health endpoint
func (e *HTTPEstimator) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func frameExt(format string) string {
	if format == "png" {
		return "png"
	}
	return "jpg"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
