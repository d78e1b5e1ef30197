// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command netsentry-sim generates synthetic collector traffic against a
// running netsentry ingest listener. It speaks the binary flow export
// framing and ships three canned scenarios plus a replay mode for JSON
// flow captures.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"time"

	"grimm.is/netsentry/internal/flow"
)

func main() {
	target := flag.String("target", "127.0.0.1:9995", "Ingest UDP address")
	src := flag.String("src", "203.0.113.7", "Source address for generated flows")
	dst := flag.String("dst", "198.51.100.10", "Destination address for generated flows")
	rate := flag.Int("rate", 50, "Flows per second")
	duration := flag.Duration("duration", 30*time.Second, "How long to generate")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: netsentry-sim [flags] <benign|synflood|portscan|replay <file>>")
		os.Exit(2)
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("dial %s: %v", *target, err)
	}
	defer conn.Close()

	g := &generator{
		conn: conn,
		src:  *src,
		dst:  *dst,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	switch args[0] {
	case "benign":
		g.run(*rate, *duration, g.benign)
	case "synflood":
		g.run(*rate, *duration, g.synFlood)
	case "portscan":
		g.run(*rate, *duration, g.portScan)
	case "replay":
		if len(args) < 2 {
			log.Fatal("Usage: netsentry-sim replay <flows.jsonl>")
		}
		if err := g.replay(args[1], *rate); err != nil {
			log.Fatalf("replay failed: %v", err)
		}
	default:
		log.Fatalf("unknown scenario %q", args[0])
	}
}

type generator struct {
	conn net.Conn
	src  string
	dst  string
	rng  *rand.Rand

	sent int
}

func (g *generator) run(rate int, d time.Duration, next func() *flow.CommonRecord) {
	if rate <= 0 {
		rate = 1
	}
	tick := time.NewTicker(time.Second / time.Duration(rate))
	defer tick.Stop()
	deadline := time.Now().Add(d)

	for range tick.C {
		if time.Now().After(deadline) {
			break
		}
		g.send(next())
	}
	log.Printf("sent %d flows", g.sent)
}

func (g *generator) send(rec *flow.CommonRecord) {
	if _, err := g.conn.Write(flow.MarshalFlowBinary(rec)); err != nil {
		log.Printf("send failed: %v", err)
		return
	}
	g.sent++
}

func (g *generator) base() *flow.CommonRecord {
	now := time.Now().UTC()
	return &flow.CommonRecord{
		Origin:   flow.FramingFlowBin,
		FlowID:   fmt.Sprintf("%016x", g.rng.Uint64()),
		TStart:   now.Add(-time.Duration(g.rng.Intn(5000)) * time.Millisecond),
		TEnd:     now,
		SrcAddr:  mustAddr(g.src),
		DstAddr:  mustAddr(g.dst),
		Protocol: flow.ProtoTCP,
	}
}

// benign models a settled client: full handshakes, bidirectional bytes,
// a small stable set of destination ports.
func (g *generator) benign() *flow.CommonRecord {
	rec := g.base()
	rec.SrcPort = uint16(40000 + g.rng.Intn(20000))
	rec.DstPort = []uint16{443, 443, 443, 80, 53}[g.rng.Intn(5)]
	rec.BytesOut = uint64(500 + g.rng.Intn(4000))
	rec.BytesIn = uint64(2000 + g.rng.Intn(20000))
	rec.PacketsOut = uint64(5 + g.rng.Intn(30))
	rec.PacketsIn = uint64(5 + g.rng.Intn(40))
	rec.Flags = flow.FlagCounts{SYN: 1, ACK: uint32(rec.PacketsOut), FIN: 1}
	if rec.DstPort == 53 {
		rec.Protocol = flow.ProtoUDP
		rec.Flags = flow.FlagCounts{}
	}
	return rec
}

// synFlood models half-open connections: pure SYNs, no payload, no
// acknowledgements.
func (g *generator) synFlood() *flow.CommonRecord {
	rec := g.base()
	rec.SrcPort = uint16(1024 + g.rng.Intn(60000))
	rec.DstPort = 443
	rec.TStart = rec.TEnd
	rec.BytesOut = 60
	rec.PacketsOut = 1
	rec.Flags = flow.FlagCounts{SYN: 1}
	return rec
}

// portScan walks the destination port space with tiny probes.
func (g *generator) portScan() *flow.CommonRecord {
	rec := g.base()
	rec.SrcPort = uint16(50000 + g.rng.Intn(1000))
	rec.DstPort = uint16(1 + g.sent%10000)
	rec.TStart = rec.TEnd
	rec.BytesOut = 60
	rec.PacketsOut = 1
	rec.Flags = flow.FlagCounts{SYN: 1, RST: uint32(g.rng.Intn(2))}
	return rec
}

// replay streams a JSON-lines capture, re-encoding each flow in the
// binary framing at the requested rate.
func (g *generator) replay(path string, rate int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if rate <= 0 {
		rate = 1
	}
	tick := time.NewTicker(time.Second / time.Duration(rate))
	defer tick.Stop()

	parser := flow.FlowJSONParser{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parser.Parse("replay", line)
		if err != nil {
			log.Printf("skipping bad line: %v", err)
			continue
		}
		<-tick.C
		g.send(rec)
	}
	log.Printf("sent %d flows", g.sent)
	return sc.Err()
}

func mustAddr(s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		log.Fatalf("bad IPv4 address %q", s)
	}
	return addr
}
