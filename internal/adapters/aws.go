// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/rules"
)

// NACL rule numbers this adapter owns. Entries inside the band were
// installed by netsentry; everything else is operator-managed.
const (
	naclBandStart = 20000
	naclBandSize  = 10000
)

// ec2NACLClient is the slice of the EC2 API the adapter uses.
type ec2NACLClient interface {
	CreateNetworkAclEntry(ctx context.Context, in *ec2.CreateNetworkAclEntryInput, opts ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error)
	DeleteNetworkAclEntry(ctx context.Context, in *ec2.DeleteNetworkAclEntryInput, opts ...func(*ec2.Options)) (*ec2.DeleteNetworkAclEntryOutput, error)
	DescribeNetworkAcls(ctx context.Context, in *ec2.DescribeNetworkAclsInput, opts ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error)
}

// AWS enforces universal rules as VPC network ACL entries. ACLs
// support real deny semantics, unlike security groups. Rule numbers
// are derived deterministically from the rule id so retries are
// idempotent without adapter-side state.
type AWS struct {
	client ec2NACLClient
	naclID string
	logger *logging.Logger
}

// NewAWS builds the adapter from the ambient AWS credential chain.
func NewAWS(ctx context.Context, naclID, region string) (*AWS, error) {
	if naclID == "" {
		return nil, errors.New(errors.KindValidation, "aws adapter requires a network_acl_id")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "aws credential chain failed")
	}
	return &AWS{
		client: ec2.NewFromConfig(cfg),
		naclID: naclID,
		logger: logging.WithComponent("aws-nacl"),
	}, nil
}

// newAWSWithClient is the test seam.
func newAWSWithClient(client ec2NACLClient, naclID string) *AWS {
	return &AWS{client: client, naclID: naclID, logger: logging.WithComponent("aws-nacl")}
}

func (a *AWS) Name() string { return "aws" }

// naclEntry is one native entry the adapter will install.
type naclEntry struct {
	number  int32
	egress  bool
	cidr    string
	proto   string
	from    int32
	to      int32
	deny    bool
}

func (e naclEntry) id() string {
	dir := "in"
	if e.egress {
		dir = "out"
	}
	return dir + ":" + strconv.Itoa(int(e.number))
}

func (a *AWS) Apply(ctx context.Context, rule *rules.UniversalRule) (string, error) {
	entries, err := a.nativeEntries(rule)
	if err != nil {
		return "", err
	}

	var ids []string
	for _, e := range entries {
		in := &ec2.CreateNetworkAclEntryInput{
			NetworkAclId: aws.String(a.naclID),
			RuleNumber:   aws.Int32(e.number),
			Egress:       aws.Bool(e.egress),
			CidrBlock:    aws.String(e.cidr),
			Protocol:     aws.String(e.proto),
			RuleAction:   ec2types.RuleActionAllow,
		}
		if e.deny {
			in.RuleAction = ec2types.RuleActionDeny
		}
		if e.from > 0 {
			in.PortRange = &ec2types.PortRange{From: aws.Int32(e.from), To: aws.Int32(e.to)}
		}
		if _, err := a.client.CreateNetworkAclEntry(ctx, in); err != nil {
			if isNACLDuplicate(err) {
				// Retry of an already-applied rule id.
				ids = append(ids, e.id())
				continue
			}
			return "", classifyAWSError(err)
		}
		ids = append(ids, e.id())
	}
	return strings.Join(ids, compoundSep), nil
}

// nativeEntries expands a universal rule. ACLs can only allow or deny;
// rate limiting and pure monitoring have no native expression.
func (a *AWS) nativeEntries(rule *rules.UniversalRule) ([]naclEntry, error) {
	switch rule.Action {
	case rules.Deny, rules.Allow, rules.Quarantine:
	default:
		return nil, errors.Errorf(errors.KindPermanent, "network acl cannot express action %q", rule.Action)
	}

	m := rule.Match
	if !m.SrcCIDR.IsValid() {
		return nil, errors.New(errors.KindPermanent, "network acl entries need a source cidr")
	}

	proto := "-1"
	switch m.Protocol {
	case "tcp":
		proto = "6"
	case "udp":
		proto = "17"
	case "icmp":
		proto = "1"
	}

	ports := m.DstPorts
	if len(ports) == 0 {
		ports = []uint16{0}
	}

	var entries []naclEntry
	for i, port := range ports {
		e := naclEntry{
			number: a.ruleNumber(rule.RuleID, i*2),
			cidr:   m.SrcCIDR.String(),
			proto:  proto,
			deny:   rule.Action != rules.Allow,
		}
		if port != 0 {
			e.from, e.to = int32(port), int32(port)
		}
		entries = append(entries, e)

		if rule.Action == rules.Quarantine {
			entries = append(entries, naclEntry{
				number: a.ruleNumber(rule.RuleID, i*2+1),
				egress: true,
				cidr:   m.SrcCIDR.String(),
				proto:  "-1",
				deny:   true,
			})
		}
	}
	return entries, nil
}

// ruleNumber maps (rule id, index) into the owned number band.
func (a *AWS) ruleNumber(ruleID string, idx int) int32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", ruleID, idx)
	return naclBandStart + int32(h.Sum32()%naclBandSize)
}

func (a *AWS) Remove(ctx context.Context, nativeID string) error {
	for _, part := range strings.Split(nativeID, compoundSep) {
		number, egress, err := parseNACLID(part)
		if err != nil {
			return err
		}
		_, err = a.client.DeleteNetworkAclEntry(ctx, &ec2.DeleteNetworkAclEntryInput{
			NetworkAclId: aws.String(a.naclID),
			RuleNumber:   aws.Int32(number),
			Egress:       aws.Bool(egress),
		})
		if err != nil && !isNACLNotFound(err) {
			return classifyAWSError(err)
		}
	}
	return nil
}

func (a *AWS) Query(ctx context.Context, nativeID string) (bool, error) {
	installed, err := a.entries(ctx)
	if err != nil {
		return false, err
	}
	for _, part := range strings.Split(nativeID, compoundSep) {
		number, egress, err := parseNACLID(part)
		if err != nil {
			return false, err
		}
		found := false
		for _, e := range installed {
			if aws.ToInt32(e.RuleNumber) == number && aws.ToBool(e.Egress) == egress {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func (a *AWS) List(ctx context.Context) ([]string, error) {
	installed, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range installed {
		n := aws.ToInt32(e.RuleNumber)
		if n < naclBandStart || n >= naclBandStart+naclBandSize {
			continue
		}
		dir := "in"
		if aws.ToBool(e.Egress) {
			dir = "out"
		}
		ids = append(ids, dir+":"+strconv.Itoa(int(n)))
	}
	return ids, nil
}

func (a *AWS) entries(ctx context.Context) ([]ec2types.NetworkAclEntry, error) {
	out, err := a.client.DescribeNetworkAcls(ctx, &ec2.DescribeNetworkAclsInput{
		NetworkAclIds: []string{a.naclID},
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}
	if len(out.NetworkAcls) == 0 {
		return nil, errors.Errorf(errors.KindPermanent, "network acl %s not found", a.naclID)
	}
	return out.NetworkAcls[0].Entries, nil
}

func parseNACLID(id string) (int32, bool, error) {
	dir, numStr, ok := strings.Cut(id, ":")
	if !ok {
		return 0, false, errors.Errorf(errors.KindPermanent, "malformed native id %q", id)
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false, errors.Errorf(errors.KindPermanent, "malformed native id %q", id)
	}
	return int32(n), dir == "out", nil
}

func classifyAWSError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "RequestLimitExceeded"), strings.Contains(msg, "Throttling"):
		return errors.Wrap(err, errors.KindTransient, "ec2 throttled")
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "context deadline exceeded"):
		return errors.Wrap(err, errors.KindUnavailable, "ec2 unreachable")
	}
	return errors.Wrap(err, errors.KindPermanent, "ec2 call failed")
}

func isNACLDuplicate(err error) bool {
	return strings.Contains(err.Error(), "NetworkAclEntryAlreadyExists")
}

func isNACLNotFound(err error) bool {
	return strings.Contains(err.Error(), "InvalidNetworkAclEntry.NotFound")
}
