package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/pairbooth/internal/reliability"
	"github.com/ent0n29/pairbooth/internal/upload"
)

// Request asks the service to compose already uploaded segments.
type Request struct {
	RoomID              string `json:"roomId"`
	CaptureID           string `json:"captureId,omitempty"`
	LayoutID            string `json:"layoutId"`
	SelectedShotNumbers []int  `json:"selectedShotNumbers"`
}

type composeResponse struct {
	VideoURL string `json:"videoUrl"`
}

type errorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	MissingShots []int  `json:"missingShots,omitempty"`
}

// HTTPClient talks to the segment/compose service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// UploadSegment sends one segment as multipart form data. Non-retryable
// statuses are returned as reliability.Permanent.
func (c *HTTPClient) UploadSegment(ctx context.Context, up upload.SegmentUpload) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"roomId":     up.RoomID,
		"userId":     up.UserID,
		"shotNumber": strconv.Itoa(up.Shot),
	}
	if up.CaptureID != "" {
		fields["captureId"] = up.CaptureID
	}
	if up.Duration > 0 {
		fields["durationMs"] = strconv.FormatInt(up.Duration.Milliseconds(), 10)
	}
	if up.Frames > 0 {
		fields["frameCount"] = strconv.Itoa(up.Frames)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename="shot-%d%s"`, up.Shot, up.Extension))
	h.Set("Content-Type", up.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create video part: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return fmt.Errorf("write video part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/segments", &body)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

// ComposeFromUploaded asks the service to compose the selected segments and
// returns the video URL.
func (c *HTTPClient) ComposeFromUploaded(ctx context.Context, r Request) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", reliability.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compose-from-uploaded", bytes.NewReader(payload))
	if err != nil {
		return "", reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	var out composeResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.VideoURL == "" {
		return "", reliability.Permanent(fmt.Errorf("%w: empty videoUrl", ErrComposeFailed))
	}
	return out.VideoURL, nil
}

// PutArtifact uploads a composed photo and returns its URL.
func (c *HTTPClient) PutArtifact(ctx context.Context, roomID, name, contentType string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("roomId", roomID); err != nil {
		return "", err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/artifacts", &body)
	if err != nil {
		return "", reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		svcErr := &ServiceError{Status: res.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body errorResponse
		if json.Unmarshal(raw, &body) == nil && (body.Code != "" || body.Error != "") {
			svcErr.Reason = body.Code
			svcErr.Message = body.Error
			svcErr.MissingShots = body.MissingShots
		}
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return svcErr
		}
		return reliability.Permanent(svcErr)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
