// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package rpc

import (
	"context"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/syncutil"
)

// Pool caches one Client per host, redialing hosts whose connection has been
// poisoned by a fatal error.
type Pool struct {
	hdr ConnHeader
	mu  struct {
		syncutil.Mutex
		clients map[string]*Client
	}
}

// NewPool returns an empty pool whose connections send hdr in their
// preamble.
func NewPool(hdr ConnHeader) *Pool {
	p := &Pool{hdr: hdr}
	p.mu.clients = map[string]*Client{}
	return p
}

// Dial returns a healthy client for host, reusing the cached one when
// possible.
func (p *Pool) Dial(ctx context.Context, host string) (scanpb.ScanService, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.mu.clients[host]; ok {
		if c.Healthy() {
			return c, nil
		}
		delete(p.mu.clients, host)
	}
	c, err := Dial(ctx, host, p.hdr)
	if err != nil {
		return nil, err
	}
	p.mu.clients[host] = c
	return c, nil
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for host, c := range p.mu.clients {
		_ = c.Close()
		delete(p.mu.clients, host)
	}
}
