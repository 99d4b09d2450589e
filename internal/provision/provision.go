package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/helper-matching/internal/models"
)

// ErrProvisioningFailed means no new worker could be obtained: the call
// failed, timed out or came back unsuccessful.
var ErrProvisioningFailed = errors.New("worker provisioning failed")

type Request struct {
	RequesterID  string             `json:"userId"`
	ServiceType  models.ServiceType `json:"serviceType"`
	UserLocation models.Coord       `json:"userLocation"`
}

type Worker struct {
	WorkerID string `json:"workerId"`
	HelperID string `json:"helperId"`
	Name     string `json:"name"`
	ETA      int    `json:"eta"`
}

// ID prefers the helper id the service assigned over the raw worker id.
func (w Worker) ID() string {
	if w.HelperID != "" {
		return w.HelperID
	}
	return w.WorkerID
}

type Result struct {
	Success bool    `json:"success"`
	Data    *Worker `json:"data,omitempty"`
}

// Provisioner creates or activates a worker when no existing helper qualifies.
type Provisioner interface {
	AssignNewWorker(ctx context.Context, req Request) (Result, error)
}

// HTTPClient calls the worker provisioning service over HTTP.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) AssignNewWorker(ctx context.Context, req Request) (Result, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	hr.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(hr)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("provisioning service returned %s", resp.Status)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode provisioning response: %w", err)
	}
	return out, nil
}
