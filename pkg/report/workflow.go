package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// WorkflowClient posts encoded reports to the trusted execution gateway,
// which attests them and writes them to the vault.
type WorkflowClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewWorkflowClient(endpoint, apiKey string, timeout time.Duration) *WorkflowClient {
	return &WorkflowClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type workflowRequest struct {
	Kind          string            `json:"kind"`
	ChainSelector string            `json:"chainSelector"`
	Report        hexutil.Bytes     `json:"report"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type workflowResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

// Send implements Transport. 4xx answers are ErrRejected; network errors,
// timeouts and 5xx answers are plain errors so a Failover can route around
// them.
func (c *WorkflowClient) Send(ctx context.Context, env Envelope) (string, error) {
	body, err := json.Marshal(workflowRequest{
		Kind:          env.Kind.String(),
		ChainSelector: strconv.FormatUint(env.Chain, 10),
		Report:        env.Report,
		Metadata:      env.Meta,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/reports", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("workflow gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("workflow gateway: read response: %w", err)
	}
	var out workflowResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("workflow gateway: status %d: %s", resp.StatusCode, out.Error)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, out.Error)
	case out.TxHash == "":
		return "", fmt.Errorf("workflow gateway: empty tx hash")
	}
	return out.TxHash, nil
}
