package cloudfiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// DefaultAuthURL is the Rackspace identity endpoint.
const DefaultAuthURL = "https://identity.api.rackspacecloud.com/v2.0/tokens"

const serviceName = "cloudFiles"

type credentials struct {
	Auth struct {
		Key struct {
			Username string `json:"username"`
			APIKey   string `json:"apiKey"`
		} `json:"RAX-KSKEY:apiKeyCredentials"`
	} `json:"auth"`
}

type endpoint struct {
	Region      string `json:"region"`
	PublicURL   string `json:"publicURL"`
	InternalURL string `json:"internalURL"`
}

type catalogEntry struct {
	Name      string     `json:"name"`
	Endpoints []endpoint `json:"endpoints"`
}

type authResponse struct {
	Access *struct {
		Token *struct {
			ID string `json:"id"`
		} `json:"token"`
		ServiceCatalog []catalogEntry `json:"serviceCatalog"`
	} `json:"access"`
}

// authorizer holds the current auth token and storage endpoint. Both are
// replaced together by refresh.
type authorizer struct {
	client      *http.Client
	url         string
	username    string
	apiKey      string
	region      string
	internalURL bool

	mu       sync.Mutex
	token    string
	endpoint string
}

func (a *authorizer) current() (token, endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, a.endpoint
}

// refresh logs in and stores a new token and the storage endpoint for
// the configured region.
func (a *authorizer) refresh(ctx context.Context) error {
	var creds credentials
	creds.Auth.Key.Username = a.username
	creds.Auth.Key.APIKey = a.apiKey
	body, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrAuth, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: identity service answered %d: %s", ErrAuth, resp.StatusCode, raw)
	}

	var ar authResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrAuth, err)
	}
	if ar.Access == nil {
		return fmt.Errorf("%w: response has no access node", ErrAuth)
	}
	if ar.Access.Token == nil || ar.Access.Token.ID == "" {
		return fmt.Errorf("%w: response has no access/token node", ErrAuth)
	}

	svc, ok := lo.Find(ar.Access.ServiceCatalog, func(e catalogEntry) bool { return e.Name == serviceName })
	if !ok {
		return fmt.Errorf("%w: no %s entry in service catalog", ErrAuth, serviceName)
	}
	ep, ok := lo.Find(svc.Endpoints, func(e endpoint) bool { return strings.EqualFold(e.Region, a.region) })
	if !ok {
		return fmt.Errorf("%w: no %s endpoint for region %q", ErrAuth, serviceName, a.region)
	}
	url := ep.PublicURL
	if a.internalURL {
		url = ep.InternalURL
	}
	if url == "" {
		return fmt.Errorf("%w: empty endpoint URL for region %q", ErrAuth, a.region)
	}

	a.mu.Lock()
	a.token = ar.Access.Token.ID
	a.endpoint = strings.TrimSuffix(url, "/")
	a.mu.Unlock()
	return nil
}
