// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package teststore implements an in-memory, multi-region scan server for
// tests. One Store plays every role a scan needs: the location metadata
// store, the dialer and the per-host scan service. Tests inject failures
// (moved regions, dropped leases, overload, dead hosts) to exercise the
// client's retry paths.
package teststore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/cockroachdb/rangescan/pkg/rangecache"
	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/syncutil"
)

type rowItem struct {
	key   scanpb.Key
	cells []scanpb.Cell
}

func (r rowItem) Less(o btree.Item) bool {
	return r.key.Compare(o.(rowItem).key) < 0
}

type region struct {
	desc scanpb.RegionDescriptor
	// hosts serving the region, primary first.
	hosts []string
}

func (r *region) serves(host string) bool {
	for _, h := range r.hosts {
		if h == host {
			return true
		}
	}
	return false
}

type serverScanner struct {
	regionID      scanpb.RegionID
	host          string
	next          scanpb.Key
	nextInclusive bool
	stop          scanpb.Key
	stopInclusive bool
	// cellOffset is how many cells of the row at next have already been
	// returned, nonzero while a large row is being split across responses.
	cellOffset int
}

// Store is the in-memory store. All methods are safe for concurrent use.
type Store struct {
	table string
	// LeaseTTL is reported on every open. Leases never lapse on their own;
	// tests drop them explicitly.
	LeaseTTL time.Duration
	// MaxCellsPerBatch, when nonzero, caps the cells in one response and
	// splits rows that exceed it across responses (PartialLastRow).
	MaxCellsPerBatch int

	mu struct {
		syncutil.Mutex
		rows          *btree.BTree
		regions       []*region
		scanners      map[uint64]*serverScanner
		nextScannerID uint64

		openErrs  map[string][]error
		scanErrs  map[string][]error
		dialErrs  map[string][]error
		openHolds map[string]chan struct{}
		opens     map[string]int
		scans     map[string]int
	}
}

// New builds a store for one table, split into len(splits)+1 regions at the
// given keys. Region i (1-based) is served by host "s<i>".
func New(table string, splits ...string) *Store {
	s := &Store{table: table, LeaseTTL: time.Minute}
	s.mu.rows = btree.New(16)
	s.mu.scanners = map[uint64]*serverScanner{}
	s.mu.openErrs = map[string][]error{}
	s.mu.scanErrs = map[string][]error{}
	s.mu.dialErrs = map[string][]error{}
	s.mu.openHolds = map[string]chan struct{}{}
	s.mu.opens = map[string]int{}
	s.mu.scans = map[string]int{}

	start := scanpb.KeyMin
	for i, split := range splits {
		s.mu.regions = append(s.mu.regions, &region{
			desc: scanpb.RegionDescriptor{
				RegionID: scanpb.RegionID(i + 1),
				Table:    table,
				StartKey: start,
				EndKey:   scanpb.Key(split),
			},
			hosts: []string{fmt.Sprintf("s%d", i+1)},
		})
		start = scanpb.Key(split)
	}
	s.mu.regions = append(s.mu.regions, &region{
		desc: scanpb.RegionDescriptor{
			RegionID: scanpb.RegionID(len(splits) + 1),
			Table:    table,
			StartKey: start,
		},
		hosts: []string{fmt.Sprintf("s%d", len(splits)+1)},
	})
	return s
}

// Put stores a cell. Cells of one row keep insertion order; writing an
// existing column overwrites it.
func (s *Store) Put(key, column string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := rowItem{key: scanpb.Key(key)}
	if existing := s.mu.rows.Get(item); existing != nil {
		item = existing.(rowItem)
		for i := range item.cells {
			if item.cells[i].Column == column {
				item.cells[i].Value = value
				s.mu.rows.ReplaceOrInsert(item)
				return
			}
		}
	}
	item.cells = append(item.cells, scanpb.Cell{Column: column, Value: value})
	s.mu.rows.ReplaceOrInsert(item)
}

// AddReplicas appends read-replica hosts to a region.
func (s *Store) AddReplicas(id scanpb.RegionID, hosts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.regionByIDLocked(id)
	r.hosts = append(r.hosts, hosts...)
}

// Move reassigns a region to new hosts. Calls against the old hosts fail
// with RegionMovedError from then on.
func (s *Store) Move(id scanpb.RegionID, hosts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.regionByIDLocked(id)
	r.hosts = append([]string(nil), hosts...)
}

// DropScanners discards all server-side scanners, as a lapsed lease would.
func (s *Store) DropScanners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.scanners = map[uint64]*serverScanner{}
}

// OpenScannerCount returns how many server-side scanners are still live.
func (s *Store) OpenScannerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.scanners)
}

// InjectOpenError queues errors returned, one each, by the next open calls
// against host.
func (s *Store) InjectOpenError(host string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.openErrs[host] = append(s.mu.openErrs[host], errs...)
}

// InjectScanError queues errors returned, one each, by the next continue
// calls against host.
func (s *Store) InjectScanError(host string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.scanErrs[host] = append(s.mu.scanErrs[host], errs...)
}

// InjectDialError queues errors returned, one each, by the next dials of
// host.
func (s *Store) InjectDialError(host string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.dialErrs[host] = append(s.mu.dialErrs[host], errs...)
}

// HoldOpens blocks open calls against host until the returned release func
// runs. Used to simulate a slow replica.
func (s *Store) HoldOpens(host string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.mu.openHolds[host] = ch
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.mu.openHolds, host)
		s.mu.Unlock()
		close(ch)
	}
}

// CallCounts returns how many open and continue calls host has served,
// injected failures included.
func (s *Store) CallCounts(host string) (opens, scans int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.opens[host], s.mu.scans[host]
}

func (s *Store) regionByIDLocked(id scanpb.RegionID) *region {
	for _, r := range s.mu.regions {
		if r.desc.RegionID == id {
			return r
		}
	}
	panic(fmt.Sprintf("no region %s", id))
}

// RegionLookup implements rangecache.LocationDB. Non-primary hosts are
// reported as remote.
func (s *Store) RegionLookup(
	ctx context.Context, table string, key scanpb.Key,
) ([]rangecache.RegionLocations, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table != s.table {
		return nil, nil
	}
	for _, r := range s.mu.regions {
		if !r.desc.ContainsKey(key) {
			continue
		}
		var loc rangecache.RegionLocations
		for i, host := range r.hosts {
			loc.Replicas = append(loc.Replicas, scanpb.RegionInfo{
				Desc:      r.desc,
				Host:      host,
				ReplicaID: scanpb.ReplicaID(i),
				Remote:    i > 0,
			})
		}
		return []rangecache.RegionLocations{loc}, nil
	}
	return nil, nil
}

// Dial implements the scan client's Dialer over in-process calls.
func (s *Store) Dial(ctx context.Context, host string) (scanpb.ScanService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.mu.dialErrs[host]; len(errs) > 0 {
		err := errs[0]
		s.mu.dialErrs[host] = errs[1:]
		return nil, err
	}
	return &hostService{s: s, host: host}, nil
}

type hostService struct {
	s    *Store
	host string
}

var _ scanpb.ScanService = (*hostService)(nil)

func (h *hostService) OpenScanner(
	ctx context.Context, req *scanpb.OpenScannerRequest,
) (*scanpb.OpenScannerResponse, error) {
	h.s.mu.Lock()
	hold := h.s.mu.openHolds[h.host]
	h.s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, scanpb.NewSendError(ctx.Err())
		}
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.mu.opens[h.host]++
	if errs := h.s.mu.openErrs[h.host]; len(errs) > 0 {
		err := errs[0]
		h.s.mu.openErrs[h.host] = errs[1:]
		return nil, err
	}

	r := h.s.regionByIDLocked(req.Region)
	if !r.serves(h.host) {
		return nil, &scanpb.RegionMovedError{RegionID: req.Region, NewHost: r.hosts[0]}
	}

	sc := &serverScanner{
		regionID:      req.Region,
		host:          h.host,
		next:          req.StartKey,
		nextInclusive: req.StartInclusive,
		stop:          req.StopKey,
		stopInclusive: req.StopInclusive,
	}
	if sc.next.Compare(r.desc.StartKey) < 0 {
		sc.next = r.desc.StartKey
		sc.nextInclusive = true
	}
	h.s.mu.nextScannerID++
	id := h.s.mu.nextScannerID
	h.s.mu.scanners[id] = sc

	return &scanpb.OpenScannerResponse{
		ScannerID: id,
		LeaseTTL:  h.s.LeaseTTL,
		Batch:     h.s.fillBatchLocked(sc, req.RowBudget),
	}, nil
}

func (h *hostService) Scan(
	ctx context.Context, req *scanpb.ScanRequest,
) (*scanpb.ScanResponse, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.mu.scans[h.host]++
	if errs := h.s.mu.scanErrs[h.host]; len(errs) > 0 {
		err := errs[0]
		h.s.mu.scanErrs[h.host] = errs[1:]
		return nil, err
	}

	sc, ok := h.s.mu.scanners[req.ScannerID]
	if !ok {
		return nil, &scanpb.LeaseExpiredError{ScannerID: req.ScannerID}
	}
	if req.Close {
		delete(h.s.mu.scanners, req.ScannerID)
		return &scanpb.ScanResponse{}, nil
	}
	if req.Renew {
		return &scanpb.ScanResponse{}, nil
	}
	r := h.s.regionByIDLocked(sc.regionID)
	if !r.serves(sc.host) {
		delete(h.s.mu.scanners, req.ScannerID)
		return nil, &scanpb.RegionMovedError{RegionID: sc.regionID, NewHost: r.hosts[0]}
	}
	return &scanpb.ScanResponse{Batch: h.s.fillBatchLocked(sc, req.RowBudget)}, nil
}

// fillBatchLocked serves the next batch of the scanner, honoring the row
// budget, the region boundary, the scan's stop bound and, when configured,
// the per-response cell cap.
func (s *Store) fillBatchLocked(sc *serverScanner, budget int) scanpb.RowBatch {
	if budget <= 0 {
		budget = 25
	}
	r := s.regionByIDLocked(sc.regionID)

	var batch scanpb.RowBatch
	truncated := false
	usedCells := 0
	s.mu.rows.AscendGreaterOrEqual(rowItem{key: sc.next}, func(it btree.Item) bool {
		row := it.(rowItem)
		if !sc.nextInclusive && row.key.Equal(sc.next) {
			return true
		}
		if !inBounds(row.key, r.desc, sc) {
			return false
		}
		if sc.cellOffset > 0 && !row.key.Equal(sc.next) {
			sc.cellOffset = 0
		}
		cells := row.cells[sc.cellOffset:]
		if s.MaxCellsPerBatch > 0 {
			remaining := s.MaxCellsPerBatch - usedCells
			if remaining <= 0 {
				truncated = true
				return false
			}
			if len(cells) > remaining {
				batch.Rows = append(batch.Rows, scanpb.Row{
					Key:   row.key.Clone(),
					Cells: cells[:remaining],
				})
				batch.PartialLastRow = true
				sc.next = row.key
				sc.nextInclusive = true
				sc.cellOffset += remaining
				truncated = true
				return false
			}
		}
		batch.Rows = append(batch.Rows, scanpb.Row{Key: row.key.Clone(), Cells: cells})
		usedCells += len(cells)
		sc.next = row.key
		sc.nextInclusive = false
		sc.cellOffset = 0
		if len(batch.Rows) >= budget {
			truncated = true
			return false
		}
		return true
	})
	batch.MoreInRegion = truncated
	return batch
}

func inBounds(key scanpb.Key, desc scanpb.RegionDescriptor, sc *serverScanner) bool {
	if !desc.IsLast() && key.Compare(desc.EndKey) >= 0 {
		return false
	}
	if !sc.stop.IsEmpty() {
		if c := key.Compare(sc.stop); c > 0 || (c == 0 && !sc.stopInclusive) {
			return false
		}
	}
	return true
}
