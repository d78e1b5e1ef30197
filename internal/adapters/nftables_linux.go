// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package adapters

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/rules"
)

const nftUserDataPrefix = "netsentry:"

// NFTables enforces universal rules in a dedicated nftables table via
// netlink. One universal rule may become several native rules (per
// port, per direction); they share the rule id in their user data and
// are addressed as one compound identifier.
type NFTables struct {
	table  string
	chain  string
	logger *logging.Logger
}

// NewNFTables creates the nftables adapter.
func NewNFTables(table string) *NFTables {
	if table == "" {
		table = "netsentry"
	}
	return &NFTables{
		table:  table,
		chain:  "enforce",
		logger: logging.WithComponent("nftables"),
	}
}

func (n *NFTables) Name() string { return "nftables" }

func (n *NFTables) connect() (*nftables.Conn, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "netlink connection failed")
	}
	return conn, nil
}

// ensure finds or creates the enforcement table and chain.
func (n *NFTables) ensure(conn *nftables.Conn) (*nftables.Table, *nftables.Chain, error) {
	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   n.table,
	})
	policy := nftables.ChainPolicyAccept
	chain := conn.AddChain(&nftables.Chain{
		Name:     n.chain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	if err := conn.Flush(); err != nil {
		return nil, nil, errors.Wrap(err, errors.KindUnavailable, "nftables table setup failed")
	}
	return table, chain, nil
}

func (n *NFTables) Apply(ctx context.Context, rule *rules.UniversalRule) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conn, err := n.connect()
	if err != nil {
		return "", err
	}
	table, chain, err := n.ensure(conn)
	if err != nil {
		return "", err
	}

	// Idempotency: retrying an applied rule id replaces nothing.
	if present, err := n.queryConn(conn, table, chain, rule.RuleID); err == nil && present {
		return rule.RuleID, nil
	}

	matches, err := nativeMatches(rule)
	if err != nil {
		return "", err
	}

	for i, m := range matches {
		exprs, err := n.buildExprs(m, rule)
		if err != nil {
			return "", err
		}
		conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    chain,
			Exprs:    exprs,
			UserData: []byte(nftUserDataPrefix + rule.RuleID + "#" + itoaInt(i)),
		})
	}
	if err := conn.Flush(); err != nil {
		return "", errors.Wrap(err, errors.KindUnavailable, "nftables rule install failed")
	}
	return rule.RuleID, nil
}

// nativeMatches expands a universal match into the per-port,
// per-direction matches nftables rules need. Quarantine mirrors the
// host match in both directions.
func nativeMatches(rule *rules.UniversalRule) ([]rules.Match, error) {
	base := rule.Match
	ports := base.DstPorts
	if len(ports) == 0 {
		ports = []uint16{0}
	}

	var out []rules.Match
	for _, p := range ports {
		m := base
		if p != 0 {
			m.DstPorts = []uint16{p}
		} else {
			m.DstPorts = nil
		}
		out = append(out, m)
		if rule.Action == rules.Quarantine && base.SrcCIDR.IsValid() {
			mirror := m
			mirror.SrcCIDR = m.DstCIDR
			mirror.DstCIDR = m.SrcCIDR
			mirror.DstPorts = nil
			out = append(out, mirror)
		}
	}
	return out, nil
}

func (n *NFTables) buildExprs(m rules.Match, rule *rules.UniversalRule) ([]expr.Any, error) {
	var exprs []expr.Any

	if m.SrcCIDR.IsValid() {
		e, err := cidrExprs(m.SrcCIDR, 12) // IPv4 saddr
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e...)
	}
	if m.DstCIDR.IsValid() {
		e, err := cidrExprs(m.DstCIDR, 16) // IPv4 daddr
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e...)
	}

	if m.Protocol != "" {
		var proto byte
		switch m.Protocol {
		case "tcp":
			proto = unix.IPPROTO_TCP
		case "udp":
			proto = unix.IPPROTO_UDP
		case "icmp":
			proto = unix.IPPROTO_ICMP
		default:
			return nil, errors.Errorf(errors.KindPermanent, "nftables cannot match protocol %q", m.Protocol)
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
	}

	if len(m.DstPorts) == 1 {
		port := make([]byte, 2)
		binary.BigEndian.PutUint16(port, m.DstPorts[0])
		exprs = append(exprs,
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseTransportHeader,
				Offset:       2,
				Len:          2,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: port},
		)
	}

	switch rule.Action {
	case rules.Deny, rules.Quarantine:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	case rules.RateLimit:
		// Drop everything over the per-second packet budget.
		exprs = append(exprs,
			&expr.Limit{
				Type:  expr.LimitTypePkts,
				Rate:  uint64(rule.RatePPS),
				Unit:  expr.LimitTimeSecond,
				Over:  true,
				Burst: uint32(rule.RatePPS),
			},
			&expr.Verdict{Kind: expr.VerdictDrop},
		)
	case rules.Monitor:
		exprs = append(exprs, &expr.Log{})
	case rules.Allow:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	default:
		return nil, errors.Errorf(errors.KindPermanent, "nftables cannot express action %q", rule.Action)
	}
	return exprs, nil
}

// cidrExprs matches an IPv4 prefix at the given header offset. IPv6
// selectors are a backend restriction for now.
func cidrExprs(prefix netip.Prefix, offset uint32) ([]expr.Any, error) {
	if !prefix.Addr().Is4() {
		return nil, errors.New(errors.KindPermanent, "nftables adapter matches IPv4 only")
	}
	addr := prefix.Masked().Addr().As4()
	mask := net.CIDRMask(prefix.Bits(), 32)
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           mask,
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr[:]},
	}, nil
}

func (n *NFTables) Remove(ctx context.Context, nativeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := n.connect()
	if err != nil {
		return err
	}
	table, chain, err := n.ensure(conn)
	if err != nil {
		return err
	}

	installed, err := conn.GetRules(table, chain)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "nftables rule listing failed")
	}
	prefix := nftUserDataPrefix + nativeID + "#"
	for _, r := range installed {
		if strings.HasPrefix(string(r.UserData), prefix) {
			if err := conn.DelRule(r); err != nil {
				return errors.Wrap(err, errors.KindPermanent, "nftables rule delete failed")
			}
		}
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "nftables rule removal failed")
	}
	return nil
}

func (n *NFTables) Query(ctx context.Context, nativeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	conn, err := n.connect()
	if err != nil {
		return false, err
	}
	table, chain, err := n.ensure(conn)
	if err != nil {
		return false, err
	}
	return n.queryConn(conn, table, chain, nativeID)
}

func (n *NFTables) queryConn(conn *nftables.Conn, table *nftables.Table, chain *nftables.Chain, nativeID string) (bool, error) {
	installed, err := conn.GetRules(table, chain)
	if err != nil {
		return false, errors.Wrap(err, errors.KindUnavailable, "nftables rule listing failed")
	}
	prefix := nftUserDataPrefix + nativeID + "#"
	for _, r := range installed {
		if strings.HasPrefix(string(r.UserData), prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (n *NFTables) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := n.connect()
	if err != nil {
		return nil, err
	}
	table, chain, err := n.ensure(conn)
	if err != nil {
		return nil, err
	}

	installed, err := conn.GetRules(table, chain)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "nftables rule listing failed")
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, r := range installed {
		ud := string(r.UserData)
		if !strings.HasPrefix(ud, nftUserDataPrefix) {
			continue
		}
		id := strings.TrimPrefix(ud, nftUserDataPrefix)
		if i := strings.IndexByte(id, '#'); i >= 0 {
			id = id[:i]
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func itoaInt(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
