package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// DefaultTimeout bounds a single detection round trip.
const DefaultTimeout = 5 * time.Second

// detectResponse is the wire shape returned by the detection server.
type detectResponse struct {
	Detections []types.Detection `json:"detections"`
	Device     string            `json:"device,omitempty"`
	TookMs     float64           `json:"took_ms,omitempty"`
}

// HTTP posts JPEG frames to a network object-detection server.
//
// POST {baseURL}/detect?conf=<threshold> with an image/jpeg body; the server
// answers {"detections":[...]} and may run on GPU or CPU, the client does not
// care which.
type HTTP struct {
	client  *resty.Client
	quality int
}

// NewHTTP returns a client for the detection server at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTP{
		client:  client,
		quality: 85,
	}
}

// Detect encodes img and asks the server for detections.
func (h *HTTP) Detect(ctx context.Context, img image.Image, threshold float64) ([]types.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var result detectResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetQueryParam("conf", strconv.FormatFloat(threshold, 'f', 2, 64)).
		SetBody(buf.Bytes()).
		SetResult(&result).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detect request: status %d", resp.StatusCode())
	}

	// Do not trust the server to honour conf.
	out := result.Detections[:0]
	for _, d := range result.Detections {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out, nil
}
