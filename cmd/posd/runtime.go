package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/orderline/possync/internal/catalog"
	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/config"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/logging"
	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/queue"
	"github.com/orderline/possync/internal/store"
)

// node is everything a command needs, opened from config.
type node struct {
	cfg    *config.Config
	logs   *logging.Logger
	store  *store.Store
	cloud  cloud.Client
	queue  *queue.Processor
	engine *catalog.Engine
	orders *fulfillment.Service
	p2p    *p2p.Node
}

type nodeOptions struct {
	// fulfillment supplies the OnChange and OnCart hooks; the rest is
	// filled from config.
	fulfillment fulfillment.Config
}

// openNode opens the local store and the cloud client and wires the
// components together. One-shot commands log only to the configured file
// unless --verbose is set; serve always logs to stderr.
func openNode(ctx context.Context, cfg *config.Config, quiet bool, opts nodeOptions) (*node, error) {
	logs := logging.New(cfg.Logging)
	if quiet && !verbose {
		logs = logging.NewTo(cfg.Logging, io.Discard)
	}

	n := &node{cfg: cfg, logs: logs, p2p: &p2p.Node{}}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logs.Close()
		return nil, err
	}
	n.store = st
	if err := st.InitSchemaContext(ctx); err != nil {
		n.Close()
		return nil, err
	}

	c, err := cloud.Open(ctx, cloud.Options{
		Driver:       cfg.Cloud.Driver,
		DSN:          cfg.Cloud.DSN,
		PollInterval: cfg.Cloud.PollInterval,
		Logger:       logs.Component("cloud"),
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to open cloud: %w", err)
	}
	n.cloud = c

	resources, err := cfg.CatalogResources()
	if err != nil {
		n.Close()
		return nil, err
	}

	n.queue = queue.New(st, c, queue.Config{
		Broadcaster: n.p2p,
		Logger:      logs.Component("queue"),
	})
	n.engine = catalog.New(st, c, catalog.Config{
		Resources:     resources,
		CheckInterval: cfg.Catalog.CheckInterval,
		Logger:        logs.Component("catalog"),
	})

	fc := opts.fulfillment
	fc.Mode = cfg.Mode()
	fc.DeviceID = cfg.Device.ID
	fc.Link = n.p2p
	fc.Logger = logs.Component("orders")
	n.orders = fulfillment.New(st, n.queue, fc)
	if err := n.orders.Load(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) logger(component string) *log.Logger {
	return n.logs.Component(component)
}

// Close stops the P2P role and closes the cloud client and the store.
func (n *node) Close() {
	if n.p2p != nil {
		if err := n.p2p.Stop(); err != nil {
			n.logs.Printf("Warning: failed to stop p2p: %v", err)
		}
	}
	if n.cloud != nil {
		if err := n.cloud.Close(); err != nil {
			n.logs.Printf("Warning: failed to close cloud client: %v", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logs.Printf("Warning: failed to close store: %v", err)
		}
	}
	_ = n.logs.Close()
}

func mustOpenNode(ctx context.Context, cfg *config.Config, quiet bool, opts nodeOptions) *node {
	n, err := openNode(ctx, cfg, quiet, opts)
	if err != nil {
		fatalf("%v", err)
	}
	return n
}
