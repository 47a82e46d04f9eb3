package peer

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/wire"
)

// DefaultCacheCapacity bounds the bootstrap cache's size.
const DefaultCacheCapacity = 1500

const cacheMagic = "CNBC" // corenet bootstrap cache

// Cache is an ordered, deduplicated set of recently successful bootstrap
// contacts, bounded in size and flushed to disk on every change.
// Most-recently-used endpoints are kept at the front.
type Cache struct {
	path     string
	capacity int
	entries  []wire.Endpoint
	log      *logrus.Entry
}

// LoadCache reads path's on-disk snapshot, if any. A missing file is an
// empty cache; a corrupt file is also treated as an empty cache.
func LoadCache(path string, capacity int, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}

	c := &Cache{path: path, capacity: capacity, log: log.WithField("component", "bootstrap_cache")}

	if path == "" {
		return c
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.WithError(err).Warn("could not read bootstrap cache, starting empty")
		}
		return c
	}

	entries, err := decodeCache(raw)
	if err != nil {
		c.log.WithError(err).Warn("bootstrap cache file corrupt, starting empty")
		return c
	}

	c.entries = entries
	return c
}

// Endpoints returns the cache in most-recently-used order.
func (c *Cache) Endpoints() []wire.Endpoint {
	return append([]wire.Endpoint(nil), c.entries...)
}

// Insert moves (or adds) ep to the front of the cache, evicts the oldest
// entry past capacity, and flushes to disk.
func (c *Cache) Insert(ep wire.Endpoint) {
	filtered := c.entries[:0]
	for _, e := range c.entries {
		if !endpointEqual(e, ep) {
			filtered = append(filtered, e)
		}
	}
	c.entries = append([]wire.Endpoint{ep}, filtered...)
	if len(c.entries) > c.capacity {
		c.entries = c.entries[:c.capacity]
	}
	c.flush()
}

func (c *Cache) flush() {
	if c.path == "" {
		return
	}
	raw := encodeCache(c.entries)
	if err := os.WriteFile(c.path, raw, 0o600); err != nil {
		c.log.WithError(err).Warn("failed to persist bootstrap cache")
	}
}

func endpointEqual(a, b wire.Endpoint) bool {
	return a.Transport == b.Transport && a.Tcp.Equal(b.Tcp)
}

func encodeCache(entries []wire.Endpoint) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(cacheMagic)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(entries)))
	for _, e := range entries {
		v4 := e.Tcp.IP.To4()
		if v4 != nil {
			buf.WriteByte(4)
			buf.Write(v4)
		} else {
			buf.WriteByte(6)
			buf.Write(e.Tcp.IP.To16())
		}
		_ = binary.Write(buf, binary.BigEndian, e.Tcp.Port)
	}
	return buf.Bytes()
}

func decodeCache(raw []byte) ([]wire.Endpoint, error) {
	if len(raw) < len(cacheMagic) || string(raw[:len(cacheMagic)]) != cacheMagic {
		return nil, errors.New("peer: bad bootstrap cache magic")
	}
	r := bytes.NewReader(raw[len(cacheMagic):])

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}

	entries := make([]wire.Endpoint, 0, n)
	for i := uint32(0); i < n; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size := 4
		if kind == 6 {
			size = 16
		}
		ipBuf := make([]byte, size)
		if _, err := io.ReadFull(r, ipBuf); err != nil {
			return nil, err
		}
		var port uint16
		if err := binary.Read(r, binary.BigEndian, &port); err != nil {
			return nil, err
		}
		entries = append(entries, wire.TcpEndpoint(wire.SocketAddress{IP: net.IP(ipBuf), Port: port}))
	}
	return entries, nil
}
