package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kebairia/mongokeeper/internal/logger"
)

// ErrNotConnected is returned when the provider cannot reach the server.
var ErrNotConnected = errors.New("mongodb not connected")

const defaultConnectTimeout = 10 * time.Second

// ConnectionProvider owns one driver client. The client is created on
// first use and reused until Close. A failed connect is retried on the
// next call.
type ConnectionProvider struct {
	uri     string
	timeout time.Duration
	log     logger.Logger

	mu     sync.Mutex
	client *mongo.Client
	closed bool
}

// NewConnectionProvider returns a provider for uri. Nothing is dialed
// until Client is called.
func NewConnectionProvider(uri string, log logger.Logger) *ConnectionProvider {
	if log == nil {
		log = logger.Nop()
	}
	return &ConnectionProvider{uri: uri, timeout: defaultConnectTimeout, log: log}
}

// Client returns the shared client, connecting and pinging it once.
func (p *ConnectionProvider) Client(ctx context.Context) (*mongo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: provider closed", ErrNotConnected)
	}
	if p.client != nil {
		return p.client, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(p.uri).
		SetServerSelectionTimeout(p.timeout).
		SetAppName("mongokeeper")
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", ErrNotConnected, err)
	}

	p.log.Info("mongodb connected")
	p.client = client
	return client, nil
}

// Close disconnects the shared client. Later calls to Client fail.
func (p *ConnectionProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Disconnect(ctx)
	p.client = nil
	if err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	p.log.Info("mongodb disconnected")
	return nil
}
