package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/rs/zerolog"
)

const maxResponseBytes = 64 << 20

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// HTTPClient talks to the image services gateway. Every operation is a POST
// to /v1/{operation}; rasters travel as PNG. Failures come back as
// *domain.ExternalServiceError and are never retried here.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     zerolog.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		httpClient: client,
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.APIKey),
		logger:     opts.Logger.With().Str("component", "collab").Logger(),
	}
}

func (c *HTTPClient) RemoveBackground(ctx context.Context, raster *image.NRGBA) (*image.NRGBA, error) {
	const op = "remove-background"
	body, err := encodePNG(raster)
	if err != nil {
		return nil, err
	}
	out, err := c.rasterCall(ctx, op, nil, "image/png", body)
	if err != nil {
		return nil, err
	}
	if err := ValidateOutput(op, out, raster.Rect.Dx(), raster.Rect.Dy()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Upscale(ctx context.Context, raster *image.NRGBA, scale int) (*image.NRGBA, error) {
	const op = "upscale"
	if err := ValidateScale(scale); err != nil {
		return nil, err
	}
	body, err := encodePNG(raster)
	if err != nil {
		return nil, err
	}
	query := url.Values{"scale": {strconv.Itoa(scale)}}
	out, err := c.rasterCall(ctx, op, query, "image/png", body)
	if err != nil {
		return nil, err
	}
	if err := ValidateOutput(op, out, raster.Rect.Dx()*scale, raster.Rect.Dy()*scale); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Recognize(ctx context.Context, raster *image.NRGBA) (TextRecognition, error) {
	const op = "ocr"
	body, err := encodePNG(raster)
	if err != nil {
		return TextRecognition{}, err
	}
	payload, err := c.call(ctx, op, nil, "image/png", body)
	if err != nil {
		return TextRecognition{}, err
	}

	var out TextRecognition
	if err := json.Unmarshal(payload, &out); err != nil {
		return TextRecognition{}, &domain.ExternalServiceError{Service: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return TextRecognition{}, &domain.ExternalServiceError{Service: op, Err: fmt.Errorf("confidence %v out of range", out.Confidence)}
	}
	return out, nil
}

func (c *HTTPClient) Inpaint(ctx context.Context, raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	const op = "inpaint"
	if err := ValidateMask(raster, mask); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for _, part := range []struct {
		name string
		img  image.Image
	}{{"image", raster}, {"mask", mask}} {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="%s.png"`, part.name, part.name))
		header.Set("Content-Type", "image/png")
		w, err := form.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("build inpaint form: %w", err)
		}
		if err := png.Encode(w, part.img); err != nil {
			return nil, fmt.Errorf("encode %s: %w", part.name, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("build inpaint form: %w", err)
	}

	out, err := c.rasterCall(ctx, op, nil, form.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	if err := ValidateOutput(op, out, raster.Rect.Dx(), raster.Rect.Dy()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Rasterize(ctx context.Context, svg []byte, width, height int) (*image.NRGBA, error) {
	const op = "rasterize"
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("%w: width and height must be >= 0", domain.ErrInvalidSettings)
	}
	query := url.Values{}
	if width > 0 {
		query.Set("width", strconv.Itoa(width))
	}
	if height > 0 {
		query.Set("height", strconv.Itoa(height))
	}
	out, err := c.rasterCall(ctx, op, query, "image/svg+xml", svg)
	if err != nil {
		return nil, err
	}
	if width > 0 && height > 0 {
		if err := ValidateOutput(op, out, width, height); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Convert bridges proprietary camera containers to PNG for the normalizer.
func (c *HTTPClient) Convert(ctx context.Context, data []byte) ([]byte, error) {
	return c.call(ctx, "convert", url.Values{"to": {"png"}}, "application/octet-stream", data)
}

func (c *HTTPClient) rasterCall(ctx context.Context, op string, query url.Values, contentType string, body []byte) (*image.NRGBA, error) {
	payload, err := c.call(ctx, op, query, contentType, body)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: op, Err: fmt.Errorf("decode result: %w", err)}
	}
	return toNRGBA(img), nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) call(ctx context.Context, op string, query url.Values, contentType string, body []byte) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, &domain.ExternalServiceError{Service: op, Err: errors.New("service not configured")}
	}

	endpoint := c.baseURL + "/v1/" + op
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("operation", op).Dur("elapsed", time.Since(start)).Msg("collaborator call failed")
		return nil, &domain.ExternalServiceError{Service: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debug().Str("operation", op).Int("status", resp.StatusCode).Int("bytes", len(payload)).Dur("elapsed", time.Since(start)).Msg("collaborator call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(payload, &eb) == nil {
			if eb.Error != "" {
				msg = eb.Error
			} else if eb.Message != "" {
				msg = eb.Message
			}
		}
		return nil, &domain.ExternalServiceError{Service: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if len(payload) == 0 {
		return nil, &domain.ExternalServiceError{Service: op, StatusCode: resp.StatusCode, Err: errors.New("empty response")}
	}
	return payload, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: raster is required", domain.ErrInvalidSettings)
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
