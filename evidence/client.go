// Package evidence pins evidence blobs to IPFS through a Pinata-compatible API.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"flakeflow/httpx"
)

// DefaultEndpoint is Pinata's file pinning endpoint.
const DefaultEndpoint = "https://api.pinata.cloud/pinning/pinFileToIPFS"

// ErrUpstream is returned for every failure of the pinning service, including
// responses that do not carry a valid content id.
var ErrUpstream = errors.New("evidence: upstream unavailable")

// Pin is a successfully pinned blob.
type Pin struct {
	CID  string
	Size int64
}

type Client struct {
	endpoint   string
	jwt        string
	httpClient *http.Client
	attempts   int
}

func NewClient(endpoint, jwt string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   endpoint,
		jwt:        jwt,
		httpClient: httpx.NewClient(timeout),
		attempts:   2,
	}
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	PinSize  int64  `json:"PinSize"`
}

// Upload pins data and returns its content id. Pinning is content addressed,
// so a retried upload of the same bytes yields the same id.
func (c *Client) Upload(ctx context.Context, data []byte, filename, contentType string) (Pin, error) {
	if len(data) == 0 {
		return Pin{}, fmt.Errorf("evidence: empty upload")
	}
	body, boundary, err := encodeMultipart(data, filename, contentType)
	if err != nil {
		return Pin{}, err
	}

	status, respBody, err := httpx.DoWithRetry(ctx, c.attempts, 500*time.Millisecond, func() (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
		req.Header.Set("Authorization", "Bearer "+c.jwt)
		return httpx.Send(c.httpClient, req)
	})
	if err != nil {
		return Pin{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if status < 200 || status >= 300 {
		return Pin{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, status, truncate(respBody, 200))
	}

	var parsed pinResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Pin{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	id, err := cid.Decode(parsed.IpfsHash)
	if err != nil {
		return Pin{}, fmt.Errorf("%w: invalid cid %q: %v", ErrUpstream, parsed.IpfsHash, err)
	}

	size := parsed.PinSize
	if size <= 0 {
		size = int64(len(data))
	}
	return Pin{CID: id.String(), Size: size}, nil
}

func encodeMultipart(data []byte, filename, contentType string) ([]byte, string, error) {
	if filename == "" {
		filename = "evidence"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("evidence: create part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("evidence: write part: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"name": filename})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, "", fmt.Errorf("evidence: write metadata: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("evidence: close multipart: %w", err)
	}
	return buf.Bytes(), w.Boundary(), nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
