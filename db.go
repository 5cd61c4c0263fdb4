package opsync

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/agencyops/opsync/contrib/rews"
	"github.com/agencyops/opsync/internal/codec"
	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/connection/gorillaws"
	"github.com/agencyops/opsync/pkg/connection/memory"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/identity"
	"github.com/agencyops/opsync/pkg/livesync"
	"github.com/agencyops/opsync/pkg/logger"
	"github.com/agencyops/opsync/pkg/models"
)

// DB is a connection to the document store scoped to one application namespace.
type DB struct {
	con       connection.Connection
	namespace string
	logger    logger.Logger
	identity  *identity.Provider
}

type options struct {
	namespace      string
	logger         logger.Logger
	timeout        time.Duration
	reconnectEvery time.Duration
	retryer        rews.Retryer
	store          *memory.Store
	secret         string
}

type Option func(*options)

// WithNamespace overrides constants.DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTimeout bounds every request. Zero leaves it to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithReconnect makes WebSocket connections reconnect after a loss. The
// connection is checked every interval; retryer paces the attempts and may
// be nil.
func WithReconnect(interval time.Duration, retryer rews.Retryer) Option {
	return func(o *options) {
		o.reconnectEvery = interval
		o.retryer = retryer
	}
}

// WithMemoryStore makes "mem://" endpoints use store, so that several DBs
// can share it.
func WithMemoryStore(store *memory.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTokenSecret sets the signing secret of a new in-process store.
func WithTokenSecret(secret string) Option {
	return func(o *options) { o.secret = secret }
}

func newOptions(opts []Option) *options {
	o := &options{
		namespace: constants.DefaultNamespace,
		logger:    logger.Discard(),
		timeout:   constants.DefaultWSTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FromEndpointURLString connects to the store at endpoint.
//
// Supported schemes are ws, wss and mem.
func FromEndpointURLString(ctx context.Context, endpoint string, opts ...Option) (*DB, error) {
	u, err := url.ParseRequestURI(endpoint)
	if err != nil {
		return nil, err
	}
	o := newOptions(opts)

	conf := connection.NewConfig(u)
	conf.Logger = o.logger
	conf.Timeout = o.timeout

	var con connection.Connection
	switch u.Scheme {
	case constants.WebsocketScheme, constants.WebsocketSecureScheme:
		if o.reconnectEvery > 0 {
			rc := rews.New(func(context.Context) (*gorillaws.Connection, error) {
				return gorillaws.New(conf), nil
			}, o.reconnectEvery, codec.New(), o.logger)
			rc.Retryer = o.retryer
			con = rc
		} else {
			con = gorillaws.New(conf)
		}
	case constants.MemoryScheme:
		store := o.store
		if store == nil {
			store = memory.NewStore(o.secret)
		}
		con = memory.New(store, conf)
	default:
		return nil, fmt.Errorf("%w: %s", constants.ErrUnsupportedScheme, u.Scheme)
	}

	return fromConnection(ctx, con, o)
}

// FromConnection wraps an unconnected connection and connects it.
func FromConnection(ctx context.Context, con connection.Connection, opts ...Option) (*DB, error) {
	return fromConnection(ctx, con, newOptions(opts))
}

func fromConnection(ctx context.Context, con connection.Connection, o *options) (*DB, error) {
	if err := con.Connect(ctx); err != nil {
		return nil, err
	}
	return &DB{
		con:       con,
		namespace: o.namespace,
		logger:    o.logger,
		identity:  identity.NewProvider(con, o.logger),
	}, nil
}

// Close closes the underlying connection.
func (db *DB) Close(ctx context.Context) error {
	return db.con.Close(ctx)
}

func (db *DB) Namespace() string {
	return db.namespace
}

// Path returns the store path of collection c.
func (db *DB) Path(c models.Collection) string {
	return models.Path(db.namespace, c)
}

func (db *DB) Connection() connection.Connection {
	return db.con
}

// Identity returns the identity provider bound to this connection.
func (db *DB) Identity() *identity.Provider {
	return db.identity
}

// Synchronizer returns a synchronizer reading this DB's collections.
func (db *DB) Synchronizer(opts ...livesync.Option) *livesync.Synchronizer {
	opts = append([]livesync.Option{livesync.WithLogger(db.logger)}, opts...)
	return livesync.New(livesync.NewStoreSubscriber(db.con, db.namespace, db.logger), opts...)
}
