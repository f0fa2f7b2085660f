package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

// Classifier posts images to a running server's /predict endpoint.
type Classifier struct {
	Host       string
	HTTPClient *http.Client
}

func New(host string) *Classifier {
	return &Classifier{
		Host:       strings.TrimRight(host, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-200 answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func (c *Classifier) ClassifyFile(ctx context.Context, path string) (domain.Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("failed to read image: %w", err)
	}
	return c.Classify(ctx, filepath.Base(path), data)
}

func (c *Classifier) Classify(ctx context.Context, filename string, img []byte) (domain.Prediction, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return domain.Prediction{}, err
	}
	if _, err := part.Write(img); err != nil {
		return domain.Prediction{}, err
	}
	if err := writer.Close(); err != nil {
		return domain.Prediction{}, err
	}

	u, err := url.Parse(c.Host + "/predict")
	if err != nil {
		return domain.Prediction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buffer)
	if err != nil {
		return domain.Prediction{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return domain.Prediction{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		var out struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &out)
		return domain.Prediction{}, &APIError{StatusCode: res.StatusCode, Message: out.Error}
	}

	var prediction domain.Prediction
	if err := json.Unmarshal(body, &prediction); err != nil {
		return domain.Prediction{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if prediction.Class == "" {
		return domain.Prediction{}, fmt.Errorf("no class in response")
	}
	return prediction, nil
}
