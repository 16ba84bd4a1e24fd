// Package transfer uploads binary payloads (voice clips, files, images)
// and resolves storage references to retrievable URLs.
package transfer

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	BaseURL    string
	Credential string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	baseURL    string
	credential string
	http       *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		credential: cfg.Credential,
		http:       httpClient,
		log:        cfg.Logger,
	}
}

// Upload streams a payload as multipart form data and returns the
// stable storage reference the message will carry.
func (c *Client) Upload(ctx context.Context, conversationID, filename, mimeType string, payload io.Reader) (models.Attachment, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", filename)
		if err == nil {
			if _, err = io.Copy(part, payload); err == nil {
				err = form.Close()
			}
		}
		pw.CloseWithError(err)
	}()

	endpoint := c.baseURL + "/conversations/" + conversationID + "/attachment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return models.Attachment{}, models.NetworkError(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if mimeType != "" {
		req.Header.Set("X-Payload-Type", mimeType)
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Attachment{}, ctx.Err()
		}
		return models.Attachment{}, models.NetworkError(err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return models.Attachment{}, models.AuthError("upload rejected: " + res.Status)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return models.Attachment{}, models.NetworkError(fmt.Errorf("upload failed: %s", res.Status))
	}

	var out struct {
		StorageRef string `json:"storage_reference"`
		MimeType   string `json:"mime_type"`
		Size       int64  `json:"size"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return models.Attachment{}, models.NetworkError(fmt.Errorf("unable to decode upload response: %v", err))
	}

	c.log.Debug().Str("ref", out.StorageRef).Int64("size", out.Size).Msg("Payload was uploaded.")

	return models.Attachment{
		FileName:   filename,
		MimeType:   out.MimeType,
		Size:       out.Size,
		StorageRef: out.StorageRef,
	}, nil
}

// ResolveURL maps a storage reference to its download/stream endpoint.
func (c *Client) ResolveURL(ref string) string {
	return c.baseURL + "/attachments/" + ref
}

// Download streams a stored payload back, for voice playback and file
// retrieval. The caller owns the returned reader.
func (c *Client) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResolveURL(ref), nil)
	if err != nil {
		return nil, models.NetworkError(err)
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, models.NetworkError(err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return nil, models.AuthError("download rejected: " + res.Status)
		}
		return nil, models.NetworkError(fmt.Errorf("download failed: %s", res.Status))
	}
	return res.Body, nil
}
