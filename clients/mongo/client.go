// Package mongo implements the shared MongoDB client used by the Mongo-backed
// persistence layer: connection setup, collection access, and a health pinger
// for the worker health endpoint.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

type (
	// Options configures Connect.
	Options struct {
		// URI is the MongoDB connection string.
		URI string
		// Database is the database holding the runtime collections.
		Database string
		// ConnectTimeout bounds the initial dial and ping. Defaults to
		// defaultConnectTimeout when zero.
		ConnectTimeout time.Duration
	}

	// Client wraps a connected Mongo driver client and the database handle
	// the stores derive their collections from.
	Client struct {
		mongo *mongodriver.Client
		db    *mongodriver.Database
	}
)

const (
	defaultConnectTimeout = 10 * time.Second
	clientName            = "mongo"
)

var _ health.Pinger = (*Client)(nil)

// Connect dials MongoDB and verifies the connection with a primary ping.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo URI is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cli, err := mongodriver.Connect(dialCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return &Client{mongo: cli, db: cli.Database(opts.Database)}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string {
	return clientName
}

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Collection returns the named collection in the configured database.
func (c *Client) Collection(name string) *mongodriver.Collection {
	return c.db.Collection(name)
}

// StartSession opens a driver session for multi-document transactions.
func (c *Client) StartSession() (mongodriver.Session, error) {
	return c.mongo.StartSession()
}

// Disconnect closes the underlying driver client.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}
