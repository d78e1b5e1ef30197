// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/rules"
)

const iptComment = "netsentry:"

// IPTables drives the legacy iptables binary. Rules carry a comment
// with the universal rule id so the adapter stays stateless; one
// universal rule may expand to several native rules.
type IPTables struct {
	binary string
	chain  string
	logger *logging.Logger

	// run executes the binary; swapped in tests.
	run func(ctx context.Context, args ...string) (string, error)
}

// NewIPTables creates the iptables adapter.
func NewIPTables(binary string) *IPTables {
	if binary == "" {
		binary = "iptables"
	}
	ipt := &IPTables{
		binary: binary,
		chain:  "NETSENTRY",
		logger: logging.WithComponent("iptables"),
	}
	ipt.run = ipt.execRun
	return ipt
}

func (ipt *IPTables) Name() string { return "iptables" }

func (ipt *IPTables) execRun(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, ipt.binary, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), errors.KindTimeout, "iptables call timed out")
		}
		if _, ok := err.(*exec.ExitError); !ok {
			return "", errors.Wrap(err, errors.KindUnavailable, "iptables binary unavailable")
		}
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "Resource temporarily unavailable") ||
			strings.Contains(msg, "xtables lock") {
			return "", errors.Errorf(errors.KindTransient, "iptables busy: %s", msg)
		}
		return "", errors.Errorf(errors.KindPermanent, "iptables failed: %s", msg)
	}
	return string(out), nil
}

// ensureChain creates the managed chain and hooks it into INPUT once.
func (ipt *IPTables) ensureChain(ctx context.Context) error {
	if _, err := ipt.run(ctx, "-N", ipt.chain); err != nil {
		// Chain may already exist.
		if errors.GetKind(err) != errors.KindPermanent {
			return err
		}
	}
	if _, err := ipt.run(ctx, "-C", "INPUT", "-j", ipt.chain); err != nil {
		if errors.GetKind(err) != errors.KindPermanent {
			return err
		}
		if _, err := ipt.run(ctx, "-I", "INPUT", "-j", ipt.chain); err != nil {
			return err
		}
	}
	return nil
}

func (ipt *IPTables) Apply(ctx context.Context, rule *rules.UniversalRule) (string, error) {
	if err := ipt.ensureChain(ctx); err != nil {
		return "", err
	}

	// Idempotency on retries of the same rule id.
	if present, err := ipt.Query(ctx, rule.RuleID); err == nil && present {
		return rule.RuleID, nil
	}

	argSets, err := ipt.nativeArgs(rule)
	if err != nil {
		return "", err
	}
	for _, args := range argSets {
		if _, err := ipt.run(ctx, args...); err != nil {
			return "", err
		}
	}
	return rule.RuleID, nil
}

// nativeArgs expands one universal rule into iptables invocations.
func (ipt *IPTables) nativeArgs(rule *rules.UniversalRule) ([][]string, error) {
	m := rule.Match
	ports := m.DstPorts
	if len(ports) == 0 {
		ports = []uint16{0}
	}

	var sets [][]string
	seq := 0
	add := func(match []string, target []string) {
		args := append([]string{"-A", ipt.chain}, match...)
		args = append(args, "-m", "comment", "--comment",
			fmt.Sprintf("%s%s#%d", iptComment, rule.RuleID, seq))
		args = append(args, target...)
		sets = append(sets, args)
		seq++
	}

	target, err := ipt.target(rule)
	if err != nil {
		return nil, err
	}

	for _, port := range ports {
		var match []string
		if m.SrcCIDR.IsValid() {
			match = append(match, "-s", m.SrcCIDR.String())
		}
		if m.DstCIDR.IsValid() {
			match = append(match, "-d", m.DstCIDR.String())
		}
		if m.Protocol != "" {
			match = append(match, "-p", m.Protocol)
			if port != 0 {
				match = append(match, "--dport", fmt.Sprintf("%d", port))
			}
		}
		add(match, target)

		// Quarantine isolates the host in both directions.
		if rule.Action == rules.Quarantine && m.SrcCIDR.IsValid() {
			add([]string{"-d", m.SrcCIDR.String()}, []string{"-j", "DROP"})
		}
	}
	return sets, nil
}

func (ipt *IPTables) target(rule *rules.UniversalRule) ([]string, error) {
	switch rule.Action {
	case rules.Deny, rules.Quarantine:
		return []string{"-j", "DROP"}, nil
	case rules.Allow:
		return []string{"-j", "ACCEPT"}, nil
	case rules.Monitor:
		return []string{"-j", "LOG", "--log-prefix", "netsentry: "}, nil
	case rules.RateLimit:
		return []string{
			"-m", "hashlimit",
			"--hashlimit-above", fmt.Sprintf("%d/sec", rule.RatePPS),
			"--hashlimit-burst", fmt.Sprintf("%d", rule.RatePPS),
			"--hashlimit-mode", "srcip",
			"--hashlimit-name", "ns" + shortID(rule.RuleID),
			"-j", "DROP",
		}, nil
	}
	return nil, errors.Errorf(errors.KindPermanent, "iptables cannot express action %q", rule.Action)
}

func (ipt *IPTables) Remove(ctx context.Context, nativeID string) error {
	lines, err := ipt.managedRules(ctx)
	if err != nil {
		return err
	}
	needle := iptComment + nativeID + "#"
	for _, line := range lines {
		if !strings.Contains(line, needle) {
			continue
		}
		// Turn the -A spec back into a -D delete.
		args := strings.Fields(strings.Replace(line, "-A "+ipt.chain, "-D "+ipt.chain, 1))
		args = restoreComment(args)
		if _, err := ipt.run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (ipt *IPTables) Query(ctx context.Context, nativeID string) (bool, error) {
	lines, err := ipt.managedRules(ctx)
	if err != nil {
		return false, err
	}
	needle := iptComment + nativeID + "#"
	for _, line := range lines {
		if strings.Contains(line, needle) {
			return true, nil
		}
	}
	return false, nil
}

func (ipt *IPTables) List(ctx context.Context) ([]string, error) {
	lines, err := ipt.managedRules(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, line := range lines {
		i := strings.Index(line, iptComment)
		if i < 0 {
			continue
		}
		id := line[i+len(iptComment):]
		if j := strings.IndexByte(id, '#'); j >= 0 {
			id = id[:j]
		} else if j := strings.IndexByte(id, ' '); j >= 0 {
			id = id[:j]
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (ipt *IPTables) managedRules(ctx context.Context) ([]string, error) {
	out, err := ipt.run(ctx, "-S", ipt.chain)
	if err != nil {
		if errors.GetKind(err) == errors.KindPermanent {
			return nil, nil // chain absent, nothing managed
		}
		return nil, err
	}
	return strings.Split(strings.TrimSpace(out), "\n"), nil
}

// restoreComment re-quotes the comment argument that Fields split.
func restoreComment(args []string) []string {
	for i, a := range args {
		if a == "--comment" && i+1 < len(args) {
			args[i+1] = strings.Trim(args[i+1], `"`)
		}
	}
	return args
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
