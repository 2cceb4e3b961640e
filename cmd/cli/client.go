// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	apihttp "attested-worker/internal/api/http"
	"attested-worker/internal/journal"
)

func statusBaseURL() string {
	if u := os.Getenv("WORKER_STATUS_URL"); u != "" {
		return u
	}
	return "http://localhost:9090"
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
}

// healthResponse GET /health
type healthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// statusResponse GET /status
type statusResponse struct {
	Worker       apihttp.Status  `json:"worker"`
	Recent       []journal.Entry `json:"recent"`
	JournalError string          `json:"journal_error,omitempty"`
}

// getHealth 503 表示尚未注册，仍返回响应体
func getHealth(c *resty.Client) (healthResponse, bool, error) {
	var out healthResponse
	resp, err := c.R().SetResult(&out).SetError(&out).Get("/health")
	if err != nil {
		return out, false, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return out, true, nil
	case http.StatusServiceUnavailable:
		return out, false, nil
	default:
		return out, false, fmt.Errorf("GET /health: %d %s", resp.StatusCode(), resp.String())
	}
}

func getStatus(c *resty.Client) (statusResponse, error) {
	var out statusResponse
	resp, err := c.R().SetResult(&out).Get("/status")
	if err != nil {
		return out, err
	}
	if resp.StatusCode() != http.StatusOK {
		return out, fmt.Errorf("GET /status: %d %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

func getMetrics(c *resty.Client) (string, error) {
	resp, err := c.R().SetHeader("Accept", "text/plain").Get("/metrics")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET /metrics: %d %s", resp.StatusCode(), resp.String())
	}
	return resp.String(), nil
}
