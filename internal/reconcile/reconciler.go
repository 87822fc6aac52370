package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/bcnelson/vultr-fw-sync/internal/publicip"
	"github.com/bcnelson/vultr-fw-sync/internal/vultr"
	"k8s.io/klog/v2"
)

// MatchMode decides when an existing rule counts as covering the current IP.
type MatchMode string

const (
	// MatchExact requires the rule subnet to equal the current IP.
	MatchExact MatchMode = "exact"
	// MatchSubstring accepts any rule whose subnet is a substring of the
	// current IP. It is loose ("10.0.0.1" covers "110.0.0.15") and exists for
	// compatibility with allow-lists managed by older tooling.
	MatchSubstring MatchMode = "substring"
)

// ParseMatchMode converts a configuration value into a MatchMode.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchExact:
		return MatchExact, nil
	case MatchSubstring:
		return MatchSubstring, nil
	default:
		return "", fmt.Errorf("unknown match mode %q", s)
	}
}

func (m MatchMode) matches(subnet, ip string) bool {
	if m == MatchSubstring {
		return strings.Contains(ip, subnet)
	}
	return subnet != "" && subnet == ip
}

// noteTimeFormat renders the creation timestamp embedded in rule notes.
const noteTimeFormat = "2006/01/02-15:04:05"

// Options configures a Reconciler.
type Options struct {
	// GroupName is matched as a substring of the firewall group descriptions.
	GroupName string
	TCPPorts  []string
	UDPPorts  []string
	Match     MatchMode
	// DryRun skips every mutating call while still reporting what would change.
	DryRun bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Reconciler brings the /32 rules of one firewall group in line with the current public IP.
//
// When the IP is not yet allowed, every /32 rule in the group is deleted
// (including ones this tool did not create) and fresh rules are created for
// the configured ports. Between the two steps no configured port is open to
// any single host. Concurrent runs against the same group are not
// coordinated and may leave duplicate rules.
type Reconciler struct {
	client   vultr.FirewallClient
	resolver publicip.IPResolver
	opts     Options
}

// New creates a Reconciler.
func New(client vultr.FirewallClient, resolver publicip.IPResolver, opts Options) *Reconciler {
	if opts.Match == "" {
		opts.Match = MatchExact
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{client: client, resolver: resolver, opts: opts}
}

// Reconcile performs one run. On failure it returns a *domain.ReconcileError
// together with the partial result gathered so far.
func (r *Reconciler) Reconcile(ctx context.Context) (*domain.Result, error) {
	logger := klog.FromContext(ctx).WithValues("group", r.opts.GroupName)
	ctx = klog.NewContext(ctx, logger)

	result := &domain.Result{DryRun: r.opts.DryRun}

	group, err := r.resolveGroup(ctx)
	if err != nil {
		return result, &domain.ReconcileError{Phase: domain.PhaseResolveGroup, Err: err}
	}
	result.GroupID = group.ID
	logger.Info("Retrieved firewall group", "groupID", group.ID, "description", group.Description)

	ip, err := r.resolver.CurrentIPv4(ctx)
	if err != nil {
		return result, &domain.ReconcileError{Phase: domain.PhaseResolveIP, Err: err}
	}
	result.CurrentIP = ip
	logger.Info("Retrieved current IP", "ip", ip)

	logger.V(1).Info("Requesting firewall rules", "groupID", group.ID)
	rules, err := r.client.ListRules(ctx, group.ID)
	if err != nil {
		return result, &domain.ReconcileError{Phase: domain.PhaseFetchRules, Err: err}
	}
	logger.V(1).Info("Retrieved firewall rules", "count", len(rules))

	if rule, ok := r.findMatch(ctx, rules, ip); ok {
		result.UpToDate = true
		result.MatchedRule = &rule
		logger.Info("Current IP already allowed", "ip", ip, "rule", rule.Number)
		return result, nil
	}
	logger.Info("Current IP not allowed, replacing single-host rules", "ip", ip, "groupID", group.ID)

	r.purge(ctx, group.ID, rules, result)

	if err := r.recreate(ctx, group.ID, ip, result); err != nil {
		return result, &domain.ReconcileError{Phase: domain.PhaseRecreate, Err: err}
	}
	return result, nil
}

// resolveGroup returns the first group, in response order, whose description contains the configured name.
func (r *Reconciler) resolveGroup(ctx context.Context) (*domain.FirewallGroup, error) {
	logger := klog.FromContext(ctx)

	logger.V(1).Info("Requesting firewall groups")
	groups, err := r.client.ListGroups(ctx)
	if err != nil {
		return nil, err
	}

	for i := range groups {
		logger.V(1).Info("Checking firewall group", "groupID", groups[i].ID, "description", groups[i].Description)
		if strings.Contains(groups[i].Description, r.opts.GroupName) {
			return &groups[i], nil
		}
	}
	return nil, fmt.Errorf("no firewall group description contains %q: %w", r.opts.GroupName, domain.ErrNotFound)
}

func (r *Reconciler) findMatch(ctx context.Context, rules []domain.FirewallRule, ip string) (domain.FirewallRule, bool) {
	logger := klog.FromContext(ctx)
	for _, rule := range rules {
		logger.V(1).Info("Checking rule", "rule", rule.String())
		if r.opts.Match.matches(rule.Subnet, ip) {
			return rule, true
		}
	}
	return domain.FirewallRule{}, false
}

// purge deletes every /32 rule. A failed delete is recorded and does not stop the loop.
func (r *Reconciler) purge(ctx context.Context, groupID string, rules []domain.FirewallRule, result *domain.Result) {
	logger := klog.FromContext(ctx)

	var scheduled []int
	for _, rule := range rules {
		if rule.IsSingleHost() {
			scheduled = append(scheduled, rule.Number)
		}
	}
	logger.Info("Firewall rules scheduled for deletion", "rules", scheduled)

	for _, number := range scheduled {
		if r.opts.DryRun {
			logger.Info("Dry run: would delete firewall rule", "rule", number)
			result.Deleted = append(result.Deleted, number)
			continue
		}

		logger.V(1).Info("Deleting firewall rule", "rule", number)
		if err := r.client.DeleteRule(ctx, groupID, number); err != nil {
			logger.Error(err, "Could not delete firewall rule, continuing", "rule", number)
			result.DeleteFailures = append(result.DeleteFailures, domain.DeleteFailure{
				RuleNumber: number,
				Error:      err.Error(),
			})
			continue
		}
		result.Deleted = append(result.Deleted, number)
	}
}

// recreate creates one /32 rule per configured port, TCP first. The first
// failure stops the loop; rules created before it are kept.
func (r *Reconciler) recreate(ctx context.Context, groupID, ip string, result *domain.Result) error {
	logger := klog.FromContext(ctx)
	logger.Info("Creating firewall rules", "groupID", groupID, "tcp", r.opts.TCPPorts, "udp", r.opts.UDPPorts)

	note := "Created-" + r.opts.Now().Format(noteTimeFormat)

	create := func(protocol domain.Protocol, ports []string) error {
		for _, port := range ports {
			spec := domain.RuleSpec{
				Protocol:   protocol,
				Subnet:     ip,
				SubnetSize: domain.SingleHostPrefix,
				Port:       port,
				Notes:      note,
			}

			if r.opts.DryRun {
				logger.Info("Dry run: would create firewall rule", "protocol", protocol, "port", port, "subnet", ip)
				result.Created = append(result.Created, planned(spec))
				continue
			}

			rule, err := r.client.CreateRule(ctx, groupID, spec)
			if err != nil {
				return fmt.Errorf("creating %s rule for port %s: %w", protocol, port, err)
			}
			logger.V(1).Info("Created firewall rule", "rule", rule.String())
			result.Created = append(result.Created, *rule)
		}
		return nil
	}

	if err := create(domain.ProtocolTCP, r.opts.TCPPorts); err != nil {
		return err
	}
	return create(domain.ProtocolUDP, r.opts.UDPPorts)
}

func planned(spec domain.RuleSpec) domain.FirewallRule {
	return domain.FirewallRule{
		IPType:     domain.IPTypeV4,
		Protocol:   spec.Protocol,
		Port:       spec.Port,
		Subnet:     spec.Subnet,
		SubnetSize: spec.SubnetSize,
		Notes:      spec.Notes,
	}
}
