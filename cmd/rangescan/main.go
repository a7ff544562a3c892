// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// rangescan scans a demo table spread over several in-memory regions and
// prints the rows as they stream in. With --tcp each region host is put
// behind a real loopback listener so the framed wire protocol is exercised
// end to end.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/cockroachdb/rangescan/pkg/rangecache"
	"github.com/cockroachdb/rangescan/pkg/rpc"
	"github.com/cockroachdb/rangescan/pkg/scanclient"
	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/testutils/teststore"
	"github.com/cockroachdb/rangescan/pkg/util/log"
	"github.com/cockroachdb/rangescan/pkg/util/metric"
)

var flags struct {
	rows          int
	regions       int
	start         string
	stop          string
	stopInclusive bool
	caching       int
	buffered      int
	timeline      bool
	metrics       bool
	byRegion      bool
	tcp           bool
	quiet         bool
	verbosity     int
}

func main() {
	cmd := &cobra.Command{
		Use:   "rangescan",
		Short: "scan a demo multi-region table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.IntVar(&flags.rows, "rows", 1000, "rows to seed")
	f.IntVar(&flags.regions, "regions", 4, "regions to split the table into")
	f.StringVar(&flags.start, "start", "", "start key (inclusive; empty for table start)")
	f.StringVar(&flags.stop, "stop", "", "stop key (empty for table end)")
	f.BoolVar(&flags.stopInclusive, "stop-inclusive", false, "include the stop key itself")
	f.IntVar(&flags.caching, "caching", 100, "rows per RPC")
	f.IntVar(&flags.buffered, "buffered", 0, "deliver in groups of --caching rows, holding back at most this many (0 = per response)")
	f.BoolVar(&flags.timeline, "timeline", false, "timeline-consistent reads (race read replicas)")
	f.BoolVar(&flags.metrics, "metrics", false, "print scan metrics")
	f.BoolVar(&flags.byRegion, "by-region", false, "print per-region scan metrics")
	f.BoolVar(&flags.tcp, "tcp", false, "serve each region host over a loopback TCP listener")
	f.BoolVar(&flags.quiet, "quiet", false, "suppress row output")
	f.IntVarP(&flags.verbosity, "verbosity", "v", 0, "log verbosity")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log.SetVerbosity(flags.verbosity)

	store, err := seed()
	if err != nil {
		return err
	}
	dialer, cleanup, err := dialerFor(store)
	if err != nil {
		return err
	}
	defer cleanup()

	scan := scanclient.Scan{
		Table:                  "demo",
		StartKey:               scanpb.Key(flags.start),
		StopKey:                scanpb.Key(flags.stop),
		StopInclusive:          flags.stopInclusive,
		Caching:                flags.caching,
		MaxBufferedRows:        flags.buffered,
		MetricsEnabled:         flags.metrics || flags.byRegion,
		MetricsByRegionEnabled: flags.byRegion,
	}
	if flags.timeline {
		scan.Consistency = scanpb.Timeline
	}

	consumer := &printConsumer{quiet: flags.quiet}
	scanner, err := scanclient.NewScanner(
		scanclient.Config{}, rangecache.New(store), dialer, scan, consumer)
	if err != nil {
		return err
	}
	scanner.Run(ctx)
	if consumer.err != nil {
		return consumer.err
	}
	fmt.Printf("%d rows in %d batches\n", consumer.rows, consumer.batches)

	if m := scanner.Metrics(); m != nil {
		reg := metric.NewRegistry()
		m.AddToRegistry(reg)
		reg.Each(func(name string, value int64) {
			fmt.Printf("%-24s %d\n", name, value)
		})
		for id, rm := range m.RegionMetrics() {
			fmt.Printf("%-24s calls=%d retries=%d\n",
				id, rm.RPCCalls.Value(), rm.RPCRetries.Value())
		}
	}
	return nil
}

// seed builds a demo table of --rows rows split evenly into --regions
// regions, each region on its own host.
func seed() (*teststore.Store, error) {
	if flags.rows < 1 || flags.regions < 1 {
		return nil, fmt.Errorf("need at least one row and one region")
	}
	key := func(i int) string { return fmt.Sprintf("k%06d", i) }

	var splits []string
	per := flags.rows / flags.regions
	for r := 1; r < flags.regions; r++ {
		splits = append(splits, key(r*per))
	}
	store := teststore.New("demo", splits...)
	for i := 0; i < flags.rows; i++ {
		store.Put(key(i), "value", []byte(fmt.Sprintf("row-%06d", i)))
	}
	return store, nil
}

// dialerFor returns the store itself for in-process calls, or a pooled TCP
// dialer against one loopback server per region host under --tcp.
func dialerFor(store *teststore.Store) (scanclient.Dialer, func(), error) {
	if !flags.tcp {
		return store, func() {}, nil
	}
	addrs := map[string]string{}
	var listeners []net.Listener
	cleanup := func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}
	for r := 1; r <= flags.regions; r++ {
		host := fmt.Sprintf("s%d", r)
		svc, err := store.Dial(context.Background(), host)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		listeners = append(listeners, ln)
		addrs[host] = ln.Addr().String()
		go func() { _ = rpc.NewServer(svc).Serve(ln) }()
	}
	pool := rpc.NewPool(rpc.ConnHeader{User: "rangescan", Service: "ScanService"})
	return &tcpDialer{pool: pool, addrs: addrs}, func() { pool.Close(); cleanup() }, nil
}

type tcpDialer struct {
	pool  *rpc.Pool
	addrs map[string]string
}

func (d *tcpDialer) Dial(ctx context.Context, host string) (scanpb.ScanService, error) {
	addr, ok := d.addrs[host]
	if !ok {
		return nil, fmt.Errorf("no listener for host %s", host)
	}
	return d.pool.Dial(ctx, addr)
}

// printConsumer prints each row and remembers the outcome.
type printConsumer struct {
	quiet   bool
	rows    int
	batches int
	err     error
}

func (c *printConsumer) OnNext(rows []scanpb.Row) bool {
	c.batches++
	c.rows += len(rows)
	if c.quiet {
		return true
	}
	for _, r := range rows {
		fmt.Printf("%s", r.Key)
		for _, cell := range r.Cells {
			fmt.Printf(" %s=%s", cell.Column, cell.Value)
		}
		fmt.Println()
	}
	return true
}

func (c *printConsumer) OnError(err error) { c.err = err }

func (c *printConsumer) OnComplete() {}
