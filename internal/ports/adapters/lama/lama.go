package lama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/forPelevin/unmark/internal/tracing"
)

const (
	DefaultRequestTimeout = 600 * time.Second
	previewLimit          = 240
)

// formFields are sent with every request. The lama model only reads the
// hdStrategy and ldm fields; the rest keep the server's parser happy.
var formFields = [][2]string{
	{"ldmSteps", "25"},
	{"ldmSampler", "plms"},
	{"hdStrategy", "Original"},
	{"zitsWireframe", "False"},
	{"hdStrategyCropMargin", "128"},
	{"hdStrategyCropTrigerSize", "512"},
	{"hdStrategyResizeLimit", "1280"},
	{"prompt", ""},
	{"negativePrompt", ""},
	{"useCroper", "False"},
	{"croperX", "0"},
	{"croperY", "0"},
	{"croperHeight", "512"},
	{"croperWidth", "512"},
	{"sdScale", "1.0"},
	{"sdMaskBlur", "0"},
	{"sdStrength", "0.75"},
	{"sdSteps", "50"},
	{"sdGuidanceScale", "7.5"},
	{"sdSampler", "uni_pc"},
	{"sdSeed", "42"},
	{"sdMatchHistograms", "False"},
	{"cv2Flag", "INPAINT_NS"},
	{"cv2Radius", "4"},
	{"paintByExampleSteps", "50"},
	{"paintByExampleGuidanceScale", "7.5"},
	{"paintByExampleMaskBlur", "0"},
	{"paintByExampleSeed", "42"},
	{"paintByExampleMatchHistograms", "False"},
	{"paintByExampleExampleImage", ""},
	{"p2pSteps", "50"},
	{"p2pImageGuidanceScale", "7.5"},
	{"p2pGuidanceScale", "7.5"},
	{"controlnet_conditioning_scale", "0.4"},
	{"controlnet_method", "control_v11p_sd15_canny"},
	{"paint_by_example_example_image", ""},
}

// Adapter talks to lama-cleaner style workers over HTTP.
type Adapter struct {
	host    string
	timeout time.Duration
	client  *http.Client
}

func New(host string, timeout time.Duration) *Adapter {
	host = normalizeHost(host)
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Adapter{host: host, timeout: timeout, client: &http.Client{}}
}

// WithClient replaces the HTTP client. Used by tests.
func (a *Adapter) WithClient(c *http.Client) *Adapter {
	a.client = c
	return a
}

func (a *Adapter) endpoint(port int) string {
	return "http://" + net.JoinHostPort(a.host, strconv.Itoa(port)) + "/inpaint"
}

// Inpaint posts frame (JPEG) and mask (PNG) to the worker on port and returns
// the inpainted image bytes.
func (a *Adapter) Inpaint(ctx context.Context, port int, frame, mask []byte) ([]byte, error) {
	ctx, span := tracing.Tracer().Start(ctx, "lama.Inpaint")
	defer span.End()
	span.SetAttributes(attribute.Int("worker.port", port), attribute.Int("frame.bytes", len(frame)))

	out, err := a.inpaint(ctx, port, frame, mask)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (a *Adapter) inpaint(ctx context.Context, port int, frame, mask []byte) ([]byte, error) {
	body, contentType, err := buildForm(frame, mask)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.endpoint(port), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("worker %d timeout after %s", port, a.timeout)
		}
		return nil, fmt.Errorf("worker %d: %w", port, err)
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("worker %d read body: %w", port, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker %d: HTTP %d %s", port, resp.StatusCode, preview(rb))
	}
	if len(rb) == 0 {
		return nil, fmt.Errorf("worker %d: empty response", port)
	}
	return rb, nil
}

func buildForm(frame, mask []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writePart(w, "image", "image.jpg", "image/jpeg", frame); err != nil {
		return nil, "", err
	}
	if err := writePart(w, "mask", "mask.png", "image/png", mask); err != nil {
		return nil, "", err
	}
	for _, f := range formFields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func writePart(w *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	p, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = p.Write(data)
	return err
}

func preview(b []byte) string {
	s := strings.NewReplacer("\r", " ", "\n", " ").Replace(string(b))
	return truncate(s, previewLimit)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
