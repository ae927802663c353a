package gatt

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/att"
	"github.com/blewire/bthost/gatt/cache"
)

// DiscoveryResult is handed to the discovery completion callback.
type DiscoveryResult struct {
	DB     *Database
	Hash   []byte
	Reused bool
}

// Client runs discovery against one remote and keeps its cache store
// current. Discover blocks; run it from its own goroutine, the way the
// link-layer opens do.
type Client struct {
	att     attClient
	store   *cache.Store
	cfg     bthost.Config
	log     bthost.Logger
	remote  bthost.Addr
	lmp     uint8
	bonded  bool
	interop []InteropEntry

	support SupportState
}

// NewClient wires a discovery client for one connection. store may be nil
// for cacheless operation, lmp is the remote's LMP version from the
// Read Remote Version exchange.
func NewClient(ac attClient, store *cache.Store, cfg bthost.Config, remote bthost.Addr, lmp uint8, bonded bool, log bthost.Logger) *Client {
	return &Client{
		att:     ac,
		store:   store,
		cfg:     cfg,
		log:     log.ChildLogger(map[string]interface{}{"pkg": "gatt", "remote": remote.String()}),
		remote:  remote,
		lmp:     lmp,
		bonded:  bonded,
		interop: defaultInteropList,
	}
}

// SetInteropList replaces the robust-caching disable list.
func (c *Client) SetInteropList(list []InteropEntry) {
	c.interop = append([]InteropEntry(nil), list...)
}

// Support returns the robust-caching state decided by the last Discover.
func (c *Client) Support() SupportState {
	return c.support
}

// Discover runs the walk. With robust caching in play it first reads the
// remote's database hash and reuses the stored database on a match; any
// failure leaves a previously stored database untouched.
func (c *Client) Discover() (*DiscoveryResult, error) {
	cached := c.loadCached()
	c.support = robustCachingSupport(c.cfg.RobustCaching, cached, c.lmp, c.remote, c.interop)

	if _, err := c.att.ExchangeMTU(att.MaxMTU); err != nil {
		// servers without MTU exchange stay at the default
		c.log.Debugf("gatt: mtu exchange: %v", err)
	}

	var remoteHash []byte
	if c.support != SupportUnsupported {
		var err error
		remoteHash, err = readDatabaseHash(c.att)
		if err != nil {
			return nil, errors.Wrap(err, "database hash read")
		}
		if remoteHash == nil {
			c.support = SupportUnsupported
		} else {
			c.support = SupportSupported
			if cached != nil {
				if linked, ok := c.store.HashFor(c.remote); ok && bytes.Equal(linked, remoteHash) {
					return &DiscoveryResult{DB: cached, Hash: remoteHash, Reused: true}, nil
				}
			}
		}
	}

	for attempt := 0; ; attempt++ {
		db, err := discoverAll(c.att)
		if err != nil {
			var ae att.Error
			if errors.As(err, &ae) && ae == att.ErrDatabaseOutOfSync && attempt < c.cfg.DiscoveryRetryCount {
				c.log.Infof("gatt: database out of sync, rediscovering (%d)", attempt+1)
				continue
			}
			return nil, err
		}

		hash := remoteHash
		if hash == nil {
			if hash, err = DatabaseHash(db); err != nil {
				return nil, err
			}
		}
		if c.store != nil {
			if err := c.store.Save(hash, db); err != nil {
				c.log.Warnf("gatt: cache save: %v", err)
			} else if c.bonded {
				if err := c.store.Link(c.remote, hash); err != nil {
					c.log.Warnf("gatt: cache link: %v", err)
				}
			}
		}
		return &DiscoveryResult{DB: db, Hash: hash}, nil
	}
}

// ReadCharacteristic reads a discovered characteristic's value.
func (c *Client) ReadCharacteristic(ch *Characteristic) ([]byte, error) {
	if ch.Properties&PropRead == 0 {
		return nil, errors.Wrap(bthost.ErrInvalidArgument, "characteristic not readable")
	}
	return c.att.Read(ch.ValueHandle)
}

func (c *Client) loadCached() *Database {
	if c.store == nil {
		return nil
	}
	var db Database
	if err := c.store.LoadByAddr(c.remote, &db); err != nil {
		return nil
	}
	return &db
}
