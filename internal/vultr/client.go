package vultr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"golang.org/x/oauth2"
	"k8s.io/klog/v2"
)

// FirewallClient defines the interface for interacting with Vultr firewall groups.
type FirewallClient interface {
	ListGroups(ctx context.Context) ([]domain.FirewallGroup, error)
	ListRules(ctx context.Context, groupID string) ([]domain.FirewallRule, error)
	CreateRule(ctx context.Context, groupID string, spec domain.RuleSpec) (*domain.FirewallRule, error)
	DeleteRule(ctx context.Context, groupID string, ruleNumber int) error
}

const (
	// DefaultBaseURL is the Vultr v2 API endpoint.
	DefaultBaseURL = "https://api.vultr.com/v2"

	defaultUserAgent = "vultr-fw-sync"
	perPage          = 100
)

// ClientConfig holds everything needed to talk to the API. It is copied into
// the client on construction and never mutated afterwards.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	// Transport is the base round tripper under the authenticating transport.
	// Nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the Vultr v2 firewall API.
type Client struct {
	baseURL   *url.URL
	userAgent string
	http      *http.Client
}

// Ensure Client implements FirewallClient.
var _ FirewallClient = (*Client)(nil)

// New creates a new Vultr client.
func New(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vultr: API key is required")
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("vultr: parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("vultr: base URL %q must be absolute", base)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	// Vultr accepts the API key as a bearer token.
	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey}),
		Base:   cfg.Transport,
	}

	return &Client{
		baseURL:   u,
		userAgent: userAgent,
		http:      &http.Client{Transport: transport},
	}, nil
}

type listMeta struct {
	Total int `json:"total"`
	Links struct {
		Next string `json:"next"`
		Prev string `json:"prev"`
	} `json:"links"`
}

type groupListResponse struct {
	Groups *[]domain.FirewallGroup `json:"firewall_groups"`
	Meta   listMeta                `json:"meta"`
}

type ruleListResponse struct {
	Rules *[]domain.FirewallRule `json:"firewall_rules"`
	Meta  listMeta               `json:"meta"`
}

type ruleResponse struct {
	Rule *domain.FirewallRule `json:"firewall_rule"`
}

type createRuleRequest struct {
	IPType     string          `json:"ip_type"`
	Protocol   domain.Protocol `json:"protocol"`
	Subnet     string          `json:"subnet"`
	SubnetSize int             `json:"subnet_size"`
	Port       string          `json:"port,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// ListGroups returns every firewall group of the account in response order.
func (c *Client) ListGroups(ctx context.Context) ([]domain.FirewallGroup, error) {
	const op = "list groups"

	var groups []domain.FirewallGroup
	cursor := ""
	for {
		var page groupListResponse
		if err := c.do(ctx, op, http.MethodGet, pageQuery(cursor), nil, &page, "firewalls"); err != nil {
			return nil, err
		}
		if page.Groups == nil {
			return nil, &domain.APIError{Op: op, Kind: domain.ErrDecode, Message: "response has no firewall_groups"}
		}
		groups = append(groups, *page.Groups...)

		next := page.Meta.Links.Next
		if next == "" || next == cursor {
			return groups, nil
		}
		cursor = next
	}
}

// ListRules returns the inbound IPv4 rules of a group in response order.
func (c *Client) ListRules(ctx context.Context, groupID string) ([]domain.FirewallRule, error) {
	const op = "list rules"

	var rules []domain.FirewallRule
	cursor := ""
	for {
		var page ruleListResponse
		err := c.do(ctx, op, http.MethodGet, pageQuery(cursor), nil, &page,
			"firewalls", url.PathEscape(groupID), "rules")
		if err != nil {
			return nil, err
		}
		if page.Rules == nil {
			return nil, &domain.APIError{Op: op, Kind: domain.ErrDecode, Message: "response has no firewall_rules"}
		}
		for _, rule := range *page.Rules {
			if rule.IPType != domain.IPTypeV4 {
				continue
			}
			rules = append(rules, rule)
		}

		next := page.Meta.Links.Next
		if next == "" || next == cursor {
			return rules, nil
		}
		cursor = next
	}
}

// CreateRule creates an inbound IPv4 rule. The rule number is assigned by Vultr.
func (c *Client) CreateRule(ctx context.Context, groupID string, spec domain.RuleSpec) (*domain.FirewallRule, error) {
	const op = "create rule"

	req := createRuleRequest{
		IPType:     domain.IPTypeV4,
		Protocol:   spec.Protocol,
		Subnet:     spec.Subnet,
		SubnetSize: spec.SubnetSize,
		Port:       spec.Port,
		Notes:      spec.Notes,
	}

	var resp ruleResponse
	err := c.do(ctx, op, http.MethodPost, nil, req, &resp,
		"firewalls", url.PathEscape(groupID), "rules")
	if err != nil {
		return nil, err
	}
	if resp.Rule == nil {
		return nil, &domain.APIError{Op: op, Kind: domain.ErrDecode, Message: "response has no firewall_rule"}
	}
	return resp.Rule, nil
}

// DeleteRule deletes a rule by number. Deleting a rule that does not exist
// fails with domain.ErrNotFound.
func (c *Client) DeleteRule(ctx context.Context, groupID string, ruleNumber int) error {
	return c.do(ctx, "delete rule", http.MethodDelete, nil, nil, nil,
		"firewalls", url.PathEscape(groupID), "rules", strconv.Itoa(ruleNumber))
}

func pageQuery(cursor string) url.Values {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(perPage))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}

// do performs a single round trip. Path elements must already be escaped.
func (c *Client) do(ctx context.Context, op, method string, query url.Values, body, out any, path ...string) error {
	logger := klog.FromContext(ctx)

	u := c.baseURL.JoinPath(path...)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		logger.V(1).Info("Sending request", "op", op, "data", string(data))
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.APIError{Op: op, Kind: domain.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Kind: domain.ErrTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
			Kind:       kindForStatus(resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Kind: domain.ErrDecode, Err: err}
	}
	return nil
}

func kindForStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuth
	case http.StatusNotFound:
		return domain.ErrNotFound
	default:
		return domain.ErrRemote
	}
}

// errorMessage extracts the message of a Vultr error body, falling back to the raw text.
func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
