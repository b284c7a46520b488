package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	svcerrors "github.com/ransomeye/coreplane/infrastructure/errors"
	"github.com/ransomeye/coreplane/infrastructure/httputil"
	"github.com/ransomeye/coreplane/infrastructure/resilience"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/rollback"
	"github.com/ransomeye/coreplane/internal/trust"
)

// AgentClient delivers enforcement directives and their reverse (rollback)
// counterparts to agents, returning the agent's signed acknowledgment.
type AgentClient interface {
	Deliver(ctx context.Context, d *model.DirectiveEnvelope, agentID string) (*model.Acknowledgment, error)
	DeliverReverse(ctx context.Context, rec *rollback.Record, agentID string) (*model.Acknowledgment, error)
}

// reversePayload is what the dispatcher sends an agent to undo a prior
// directive; the agent treats it as its own enforcement action with its
// own acknowledgment, per spec.
type reversePayload struct {
	RollbackID  string             `json:"rollback_id"`
	DirectiveID string             `json:"directive_id"`
	Action      model.PolicyAction `json:"action"`
}

// reverseActionFor maps a forward containment action to the action that
// undoes it. Actions with no meaningful undo (Monitor, Escalate,
// RequireApproval, Allow, Deny) map to Allow: releasing any containment is
// always the safe reverse.
func reverseActionFor(a model.PolicyAction) model.PolicyAction {
	switch a {
	case model.ActionQuarantine, model.ActionIsolate, model.ActionBlock:
		return model.ActionAllow
	default:
		return model.ActionAllow
	}
}

// HTTPAgentClient delivers directives over HTTP, protected by a circuit
// breaker and bounded retry, and verifies every returned acknowledgment's
// signature against the trust store's pinned agent certificates.
type HTTPAgentClient struct {
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	registry   *AgentRegistry
	trustStore *trust.Store
}

// NewHTTPAgentClient constructs an HTTPAgentClient.
func NewHTTPAgentClient(registry *AgentRegistry, trustStore *trust.Store, timeout time.Duration) (*HTTPAgentClient, error) {
	client, err := httputil.NewClient(httputil.ClientConfig{
		Timeout: timeout,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "dispatcher.NewHTTPAgentClient", "build http client", err)
	}
	client.Transport = httputil.DefaultTransportWithMinTLS12()

	return &HTTPAgentClient{
		httpClient: client,
		breaker:    resilience.New(resilience.DefaultConfig()),
		retry:      resilience.DefaultRetryConfig(),
		registry:   registry,
		trustStore: trustStore,
	}, nil
}

// Deliver POSTs the directive to the agent's registered endpoint and
// verifies the returned acknowledgment.
func (c *HTTPAgentClient) Deliver(ctx context.Context, d *model.DirectiveEnvelope, agentID string) (*model.Acknowledgment, error) {
	endpoint, err := c.registry.Endpoint(agentID)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, endpoint+"/directive", d, agentID)
}

// DeliverReverse POSTs the rollback record's reverse action to the agent's
// registered endpoint and verifies the returned acknowledgment.
func (c *HTTPAgentClient) DeliverReverse(ctx context.Context, rec *rollback.Record, agentID string) (*model.Acknowledgment, error) {
	endpoint, err := c.registry.Endpoint(agentID)
	if err != nil {
		return nil, err
	}
	payload := reversePayload{
		RollbackID:  rec.RollbackID,
		DirectiveID: rec.DirectiveID,
		Action:      reverseActionFor(rec.Action),
	}
	return c.post(ctx, endpoint+"/rollback", payload, agentID)
}

func (c *HTTPAgentClient) post(ctx context.Context, url string, body any, agentID string) (*model.Acknowledgment, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindContract, "dispatcher.post", "encode delivery payload", err)
	}

	var ack model.Acknowledgment
	op := func() error {
		return c.breaker.Execute(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return coreerr.External("dispatcher.post", svcerrors.ExternalAPIError(url, fmt.Errorf("agent responded %d", resp.StatusCode)))
			}
			return json.NewDecoder(resp.Body).Decode(&ack)
		})
	}

	if err := resilience.Retry(ctx, c.retry, op); err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "dispatcher.post", "deliver to agent "+agentID, err)
	}

	if err := c.verifyAck(&ack, agentID); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPAgentClient) verifyAck(ack *model.Acknowledgment, agentID string) error {
	if ack.AgentID != agentID {
		return coreerr.Contract("dispatcher.verifyAck", "acknowledgment agent_id does not match delivery target")
	}
	cert, err := c.trustStore.GetProducerCertificate(agentID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "dispatcher.verifyAck", "no trusted certificate for agent "+agentID, err)
	}
	pub, err := trust.RSAPublicKeyFromCert(cert)
	if err != nil {
		return err
	}
	if err := trust.VerifyRSAPSS(pub, trust.CanonicalAckBytes(ack), ack.Signature); err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "dispatcher.verifyAck", "acknowledgment signature invalid", svcerrors.VerificationFailed(err))
	}
	return nil
}
