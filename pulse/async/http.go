package async

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/httpclient"
)

// HTTPAgentType is the agent type served by HTTPExecutor
const HTTPAgentType = "http"

// Identity headers sent with every HTTP agent call
const (
	HeaderLoginID   = "X-Agentpulse-Login-Id"
	HeaderLoginType = "X-Agentpulse-Login-Type"
	HeaderTagScope  = "X-Agentpulse-Tag-Scope"
	HeaderMessage   = "X-Agentpulse-Message"
)

// maxResponseBytes caps how much of an agent reply is read
const maxResponseBytes = 4 << 20

// HTTPExecutor runs agents served over HTTP. Each call POSTs the parameters
// as a JSON object to the agent's URL with the restored identity in
// X-Agentpulse-* headers. A 2xx body is the result.
type HTTPExecutor struct {
	client    *httpclient.Client
	endpoints map[string]string // agent name -> URL
}

// NewHTTPExecutor validates every endpoint against client's destination rules
func NewHTTPExecutor(client *httpclient.Client, endpoints map[string]string) (*HTTPExecutor, error) {
	e := &HTTPExecutor{client: client, endpoints: make(map[string]string, len(endpoints))}
	for name, rawURL := range endpoints {
		if _, err := client.ValidateURL(rawURL); err != nil {
			return nil, errors.Wrapf(err, "agent %s", name)
		}
		e.endpoints[name] = rawURL
	}
	return e, nil
}

// DoCall implements AgentExecutor
func (e *HTTPExecutor) DoCall(ctx context.Context, agent Agent, params map[string]string) (string, error) {
	endpoint, ok := e.endpoints[agent.Name]
	if !ok {
		return "", errors.NewNotFoundError("no url configured for agent %s", agent.Name)
	}
	if params == nil {
		params = map[string]string{}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode agent parameters")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "failed to build request for agent %s", agent.Name)
	}
	req.Header.Set("Content-Type", "application/json")
	if scope := ScopeFromContext(ctx); scope != nil {
		id := scope.Identity()
		req.Header.Set(HeaderLoginID, id.LoginID)
		req.Header.Set(HeaderLoginType, id.LoginType)
		req.Header.Set(HeaderTagScope, strings.Join(id.TagScope, ","))
		req.Header.Set(HeaderMessage, id.Message)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "agent %s", agent.Name)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read reply from agent %s", agent.Name)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := strings.TrimSpace(string(reply)); msg != "" {
			return "", errors.Newf("agent %s returned %s: %s", agent.Name, resp.Status, msg)
		}
		return "", errors.Newf("agent %s returned %s", agent.Name, resp.Status)
	}
	return strings.TrimRight(string(reply), "\n"), nil
}
