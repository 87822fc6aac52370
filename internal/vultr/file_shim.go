package vultr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"k8s.io/klog/v2"
)

// ShimState is the on-disk layout used by FileShim.
type ShimState struct {
	Groups []domain.FirewallGroup            `json:"firewall_groups"`
	Rules  map[string][]domain.FirewallRule `json:"firewall_rules"`
}

// FileShim is an offline FirewallClient that keeps firewall groups in a JSON file.
type FileShim struct {
	filePath string
	mu       sync.Mutex
}

// Ensure FileShim implements FirewallClient.
var _ FirewallClient = (*FileShim)(nil)

// NewFileShim creates a new file-based shim.
func NewFileShim(filePath string) *FileShim {
	return &FileShim{filePath: filePath}
}

// ListGroups reads the groups from the file.
func (f *FileShim) ListGroups(ctx context.Context) ([]domain.FirewallGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	for i := range state.Groups {
		state.Groups[i].RuleCount = len(state.Rules[state.Groups[i].ID])
	}
	return state.Groups, nil
}

// ListRules reads the IPv4 rules of a group from the file.
func (f *FileShim) ListRules(ctx context.Context, groupID string) ([]domain.FirewallRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	if !state.hasGroup(groupID) {
		return nil, &domain.APIError{Op: "list rules", Kind: domain.ErrNotFound, Message: "firewall group " + groupID}
	}

	var rules []domain.FirewallRule
	for _, rule := range state.Rules[groupID] {
		if rule.IPType == domain.IPTypeV4 {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// CreateRule appends a rule to the group, numbering it after the highest existing rule.
func (f *FileShim) CreateRule(ctx context.Context, groupID string, spec domain.RuleSpec) (*domain.FirewallRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	if !state.hasGroup(groupID) {
		return nil, &domain.APIError{Op: "create rule", Kind: domain.ErrNotFound, Message: "firewall group " + groupID}
	}

	next := 1
	for _, rule := range state.Rules[groupID] {
		if rule.Number >= next {
			next = rule.Number + 1
		}
	}
	rule := domain.FirewallRule{
		Number:     next,
		Action:     "accept",
		IPType:     domain.IPTypeV4,
		Protocol:   spec.Protocol,
		Port:       spec.Port,
		Subnet:     spec.Subnet,
		SubnetSize: spec.SubnetSize,
		Notes:      spec.Notes,
	}
	state.Rules[groupID] = append(state.Rules[groupID], rule)

	if err := f.save(ctx, state); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule removes a rule from the group.
func (f *FileShim) DeleteRule(ctx context.Context, groupID string, ruleNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return err
	}

	rules := state.Rules[groupID]
	for i, rule := range rules {
		if rule.Number == ruleNumber {
			state.Rules[groupID] = append(rules[:i:i], rules[i+1:]...)
			return f.save(ctx, state)
		}
	}
	return &domain.APIError{Op: "delete rule", Kind: domain.ErrNotFound, Message: fmt.Sprintf("rule %d", ruleNumber)}
}

func (s *ShimState) hasGroup(id string) bool {
	for _, g := range s.Groups {
		if g.ID == id {
			return true
		}
	}
	return false
}

func (f *FileShim) load() (*ShimState, error) {
	state := &ShimState{}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// An absent file is an account without firewall groups.
			state.Rules = map[string][]domain.FirewallRule{}
			return state, nil
		}
		return nil, &domain.APIError{Op: "read shim", Kind: domain.ErrTransport, Err: err}
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, &domain.APIError{Op: "read shim", Kind: domain.ErrDecode, Err: err}
	}
	if state.Rules == nil {
		state.Rules = map[string][]domain.FirewallRule{}
	}
	return state, nil
}

func (f *FileShim) save(ctx context.Context, state *ShimState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling shim state: %w", err)
	}

	if err := os.WriteFile(f.filePath, data, 0644); err != nil {
		return &domain.APIError{Op: "write shim", Kind: domain.ErrTransport, Err: err}
	}

	klog.FromContext(ctx).V(1).Info("Firewall state written", "path", f.filePath)
	return nil
}
