package reconcile_test

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/bcnelson/vultr-fw-sync/internal/reconcile"
)

type fakeClient struct {
	groups []domain.FirewallGroup
	rules  []domain.FirewallRule

	listGroupsErr error
	listRulesErr  error
	deleteErrs    map[int]error
	// failCreateAt is the index of the create call that fails, -1 for none.
	failCreateAt int

	calls   []string
	deleted []int
	created []domain.RuleSpec
}

func newFakeClient() *fakeClient {
	return &fakeClient{deleteErrs: map[int]error{}, failCreateAt: -1}
}

func (f *fakeClient) ListGroups(context.Context) ([]domain.FirewallGroup, error) {
	f.calls = append(f.calls, "ListGroups")
	return f.groups, f.listGroupsErr
}

func (f *fakeClient) ListRules(_ context.Context, groupID string) ([]domain.FirewallRule, error) {
	f.calls = append(f.calls, "ListRules:"+groupID)
	return f.rules, f.listRulesErr
}

func (f *fakeClient) CreateRule(_ context.Context, _ string, spec domain.RuleSpec) (*domain.FirewallRule, error) {
	f.calls = append(f.calls, "CreateRule")
	if len(f.created) == f.failCreateAt {
		return nil, &domain.APIError{Op: "create rule", StatusCode: 500, Kind: domain.ErrRemote}
	}
	f.created = append(f.created, spec)
	return &domain.FirewallRule{
		Number:     100 + len(f.created),
		IPType:     domain.IPTypeV4,
		Protocol:   spec.Protocol,
		Port:       spec.Port,
		Subnet:     spec.Subnet,
		SubnetSize: spec.SubnetSize,
		Notes:      spec.Notes,
	}, nil
}

func (f *fakeClient) DeleteRule(_ context.Context, _ string, number int) error {
	f.calls = append(f.calls, "DeleteRule")
	if err := f.deleteErrs[number]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, number)
	return nil
}

func (f *fakeClient) mutations() int {
	n := 0
	for _, c := range f.calls {
		if c == "CreateRule" || c == "DeleteRule" {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	ip    string
	err   error
	calls int
}

func (f *fakeResolver) CurrentIPv4(context.Context) (string, error) {
	f.calls++
	return f.ip, f.err
}

func hostRule(number int, protocol domain.Protocol, port, subnet string) domain.FirewallRule {
	return domain.FirewallRule{
		Number: number, IPType: domain.IPTypeV4, Protocol: protocol,
		Port: port, Subnet: subnet, SubnetSize: 32,
	}
}

var _ = Describe("Reconciler", func() {
	var (
		ctx      context.Context
		client   *fakeClient
		resolver *fakeResolver
		opts     reconcile.Options
		now      time.Time
	)

	BeforeEach(func() {
		ctx = logr.NewContext(context.Background(), GinkgoLogr)
		client = newFakeClient()
		client.groups = []domain.FirewallGroup{
			{ID: "aaa", Description: "office"},
			{ID: "bbb", Description: "home-fw-primary"},
		}
		resolver = &fakeResolver{ip: "203.0.113.5"}
		now = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
		opts = reconcile.Options{
			GroupName: "home-fw",
			TCPPorts:  []string{"22", "443"},
			Now:       func() time.Time { return now },
		}
	})

	run := func() (*domain.Result, error) {
		return reconcile.New(client, resolver, opts).Reconcile(ctx)
	}

	Context("resolving the group", func() {
		It("picks the first group whose description contains the name", func() {
			client.groups = []domain.FirewallGroup{
				{ID: "aaa", Description: "office"},
				{ID: "bbb", Description: "home-fw-primary"},
				{ID: "ccc", Description: "home-fw-secondary"},
			}

			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.GroupID).To(Equal("bbb"))
			Expect(client.calls).To(ContainElement("ListRules:bbb"))
		})

		It("fails with NotFound and makes no mutations when nothing matches", func() {
			opts.GroupName = "datacenter"

			_, err := run()
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, domain.ErrNotFound)).To(BeTrue())
			Expect(domain.PhaseOf(err)).To(Equal(domain.PhaseResolveGroup))
			Expect(client.mutations()).To(BeZero())
			Expect(resolver.calls).To(BeZero())
		})

		It("fails in the group phase when listing groups fails", func() {
			client.listGroupsErr = &domain.APIError{Op: "list groups", StatusCode: 401, Kind: domain.ErrAuth}

			_, err := run()
			Expect(errors.Is(err, domain.ErrAuth)).To(BeTrue())
			Expect(domain.PhaseOf(err)).To(Equal(domain.PhaseResolveGroup))
		})
	})

	It("fails in the IP phase when the resolver fails", func() {
		resolver.err = &domain.ResolutionError{Source: "test", Err: errors.New("boom")}

		result, err := run()
		Expect(errors.Is(err, domain.ErrResolution)).To(BeTrue())
		Expect(domain.PhaseOf(err)).To(Equal(domain.PhaseResolveIP))
		Expect(result.GroupID).To(Equal("bbb"))
		Expect(client.mutations()).To(BeZero())
	})

	It("fails in the fetch phase when listing rules fails", func() {
		client.listRulesErr = &domain.APIError{Op: "list rules", Kind: domain.ErrTransport}

		_, err := run()
		Expect(errors.Is(err, domain.ErrTransport)).To(BeTrue())
		Expect(domain.PhaseOf(err)).To(Equal(domain.PhaseFetchRules))
		Expect(client.mutations()).To(BeZero())
	})

	Context("when the current IP is already allowed", func() {
		It("reports up to date without mutations", func() {
			client.rules = []domain.FirewallRule{
				hostRule(1, domain.ProtocolTCP, "22", "198.51.100.7"),
				hostRule(2, domain.ProtocolTCP, "22", "203.0.113.5"),
			}

			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.UpToDate).To(BeTrue())
			Expect(result.MatchedRule.Number).To(Equal(2))
			Expect(client.mutations()).To(BeZero())
		})
	})

	Context("matching policy", func() {
		BeforeEach(func() {
			resolver.ip = "110.0.0.15"
			client.rules = []domain.FirewallRule{hostRule(7, domain.ProtocolTCP, "22", "10.0.0.1")}
		})

		It("does not treat a partial address as a match in exact mode", func() {
			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.UpToDate).To(BeFalse())
			Expect(client.deleted).To(Equal([]int{7}))
		})

		It("treats a subnet contained in the IP as a match in substring mode", func() {
			opts.Match = reconcile.MatchSubstring

			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.UpToDate).To(BeTrue())
			Expect(client.mutations()).To(BeZero())
		})
	})

	Context("when the current IP is not allowed", func() {
		It("creates one rule per configured port with no existing rules", func() {
			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(client.deleted).To(BeEmpty())
			Expect(client.created).To(HaveLen(2))
			Expect(client.created[0]).To(Equal(domain.RuleSpec{
				Protocol: domain.ProtocolTCP, Subnet: "203.0.113.5", SubnetSize: 32,
				Port: "22", Notes: "Created-2026/10/19-08:30:00",
			}))
			Expect(client.created[1].Port).To(Equal("443"))
			Expect(result.Created).To(HaveLen(2))
			Expect(result.Created[0].Number).To(Equal(101))
		})

		It("deletes every /32 rule and nothing else, then recreates TCP before UDP", func() {
			opts.UDPPorts = []string{"51820"}
			client.rules = []domain.FirewallRule{
				hostRule(1, domain.ProtocolTCP, "22", "198.51.100.7"),
				{Number: 2, IPType: domain.IPTypeV4, Protocol: domain.ProtocolTCP, Port: "80", Subnet: "0.0.0.0", SubnetSize: 0},
				hostRule(3, domain.ProtocolUDP, "53", "192.0.2.44"),
				{Number: 4, IPType: domain.IPTypeV4, Protocol: domain.ProtocolTCP, Port: "22", Subnet: "192.0.2.0", SubnetSize: 24},
			}

			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(client.deleted).To(Equal([]int{1, 3}))
			Expect(result.Deleted).To(Equal([]int{1, 3}))

			Expect(client.created).To(HaveLen(3))
			for _, spec := range client.created {
				Expect(spec.SubnetSize).To(Equal(32))
				Expect(spec.Subnet).To(Equal("203.0.113.5"))
			}
			Expect(client.created[0].Protocol).To(Equal(domain.ProtocolTCP))
			Expect(client.created[1].Protocol).To(Equal(domain.ProtocolTCP))
			Expect(client.created[2].Protocol).To(Equal(domain.ProtocolUDP))
			Expect(client.created[2].Port).To(Equal("51820"))

			lastDelete, firstCreate := -1, -1
			for i, c := range client.calls {
				if c == "DeleteRule" {
					lastDelete = i
				}
				if c == "CreateRule" && firstCreate < 0 {
					firstCreate = i
				}
			}
			Expect(lastDelete).To(BeNumerically("<", firstCreate))
		})

		It("keeps going when a delete fails", func() {
			client.rules = []domain.FirewallRule{
				hostRule(1, domain.ProtocolTCP, "22", "198.51.100.7"),
				hostRule(2, domain.ProtocolTCP, "443", "198.51.100.7"),
				hostRule(3, domain.ProtocolTCP, "8443", "198.51.100.7"),
			}
			client.deleteErrs[2] = &domain.APIError{Op: "delete rule", StatusCode: 404, Kind: domain.ErrNotFound}

			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(client.deleted).To(Equal([]int{1, 3}))
			Expect(result.DeleteFailures).To(HaveLen(1))
			Expect(result.DeleteFailures[0].RuleNumber).To(Equal(2))
			Expect(client.created).To(HaveLen(2))
		})

		It("aborts on the first create failure and keeps rules already created", func() {
			opts.UDPPorts = []string{"53"}
			client.failCreateAt = 1

			result, err := run()
			Expect(err).To(HaveOccurred())
			Expect(domain.PhaseOf(err)).To(Equal(domain.PhaseRecreate))
			Expect(errors.Is(err, domain.ErrRemote)).To(BeTrue())
			Expect(client.created).To(HaveLen(1))
			Expect(result.Created).To(HaveLen(1))
			Expect(result.Created[0].Port).To(Equal("22"))
		})

		It("only reports planned changes in dry run", func() {
			opts.DryRun = true
			opts.UDPPorts = []string{"53"}
			client.rules = []domain.FirewallRule{hostRule(9, domain.ProtocolTCP, "22", "198.51.100.7")}

			result, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(client.mutations()).To(BeZero())
			Expect(result.DryRun).To(BeTrue())
			Expect(result.Deleted).To(Equal([]int{9}))
			Expect(result.Created).To(HaveLen(3))
		})
	})
})

var _ = DescribeTable("ParseMatchMode",
	func(in string, want reconcile.MatchMode, ok bool) {
		got, err := reconcile.ParseMatchMode(in)
		if !ok {
			Expect(err).To(HaveOccurred())
			return
		}
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(want))
	},
	Entry("empty defaults to exact", "", reconcile.MatchExact, true),
	Entry("exact", "exact", reconcile.MatchExact, true),
	Entry("case-insensitive", " Substring ", reconcile.MatchSubstring, true),
	Entry("unknown", "cidr", reconcile.MatchMode(""), false),
)
