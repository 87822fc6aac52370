package publicip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"k8s.io/klog/v2"
)

// DefaultLookupURL answers with a JSON document carrying an "ip" field.
const DefaultLookupURL = "https://ipinfo.io/json"

// IPResolver returns the caller's current public IPv4 address.
type IPResolver interface {
	CurrentIPv4(ctx context.Context) (string, error)
}

// Resolver asks an HTTP lookup service for the public IP.
type Resolver struct {
	url    string
	client *http.Client
}

// Ensure Resolver implements IPResolver.
var _ IPResolver = (*Resolver)(nil)

// New creates a resolver for lookupURL. An empty URL selects DefaultLookupURL
// and a nil client selects http.DefaultClient.
func New(lookupURL string, client *http.Client) *Resolver {
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{url: lookupURL, client: client}
}

type lookupResponse struct {
	IP string `json:"ip"`
}

// CurrentIPv4 performs one lookup. Nothing is cached.
func (r *Resolver) CurrentIPv4(ctx context.Context) (string, error) {
	klog.FromContext(ctx).V(1).Info("Requesting current IP address", "url", r.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", r.fail(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", r.fail(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", r.fail(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", r.fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var data lookupResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", r.fail(fmt.Errorf("decoding response: %w", err))
	}
	if data.IP == "" {
		return "", r.fail(errors.New(`response has no "ip" field`))
	}

	addr, err := netip.ParseAddr(data.IP)
	if err != nil {
		return "", r.fail(fmt.Errorf("invalid address %q: %w", data.IP, err))
	}
	if !addr.Is4() {
		return "", r.fail(fmt.Errorf("address %s is not IPv4", addr))
	}
	return addr.String(), nil
}

func (r *Resolver) fail(err error) error {
	return &domain.ResolutionError{Source: r.url, Err: err}
}
