package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Signer signs a base64 encoded transaction and returns it re-encoded.
type Signer interface {
	Sign(ctx context.Context, txBase64 string) (string, error)
}

// RemoteSigner delegates signing to an HTTP service that holds the wallet
// key, so the key never lives in this process.
//
//	POST {url}/sign {"transaction": "<base64>"} -> {"signedTransaction": "<base64>"}
type RemoteSigner struct {
	url        string
	httpClient *http.Client
}

// NewRemoteSigner creates a signer client.
func NewRemoteSigner(url string, timeout time.Duration) *RemoteSigner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteSigner{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (s *RemoteSigner) Sign(ctx context.Context, txBase64 string) (string, error) {
	body, err := json.Marshal(map[string]string{"transaction": txBase64})
	if err != nil {
		return "", fmt.Errorf("signer: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("signer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer: HTTP error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("signer: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signer: HTTP %d: %s", resp.StatusCode, truncate(respBody))
	}
	signed := gjson.GetBytes(respBody, "signedTransaction").String()
	if signed == "" {
		return "", fmt.Errorf("signer: response has no signedTransaction")
	}
	return signed, nil
}
