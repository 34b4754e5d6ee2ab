package security

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// RevocationCache holds OCSP results and parsed CRLs. Entries carry their own
// expiry so that a CRL is served until its nextUpdate and no longer. Concurrent
// fetches for the same key collapse into one.
type RevocationCache struct {
	ocsp  *cache.Cache
	crl   *cache.Cache
	group singleflight.Group
	now   func() time.Time
}

type ocspEntry struct {
	status  RevocationStatus
	expires time.Time
}

type crlEntry struct {
	crl     *x509.RevocationList
	expires time.Time
}

// NewRevocationCache creates an empty cache. Expired entries are purged every
// cleanupInterval.
func NewRevocationCache(cleanupInterval time.Duration, opts ...Option) *RevocationCache {
	o := newOptions(opts)
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &RevocationCache{
		ocsp: cache.New(cache.NoExpiration, cleanupInterval),
		crl:  cache.New(cache.NoExpiration, cleanupInterval),
		now:  o.now,
	}
}

func issuerKeyHash(issuer *x509.Certificate) string {
	sum := sha256.Sum256(issuer.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

func ocspCacheKey(issuer *x509.Certificate, serial *big.Int) string {
	return issuerKeyHash(issuer) + "|" + serial.String()
}

func crlCacheKey(issuer *x509.Certificate, url string) string {
	return issuerKeyHash(issuer) + "|" + url
}

// OCSPStatus returns a cached OCSP result that has not expired
func (c *RevocationCache) OCSPStatus(key string) (RevocationStatus, bool) {
	v, ok := c.ocsp.Get(key)
	if !ok {
		return RevocationStatus{}, false
	}
	entry := v.(ocspEntry)
	if !c.now().Before(entry.expires) {
		c.ocsp.Delete(key)
		return RevocationStatus{}, false
	}
	return entry.status, true
}

// StoreOCSP caches an OCSP result until status.ExpiresAt
func (c *RevocationCache) StoreOCSP(key string, status RevocationStatus) {
	ttl := status.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	c.ocsp.Set(key, ocspEntry{status: status, expires: status.ExpiresAt}, ttl)
}

// CRL returns the cached list for key, calling fetch on a miss. fetch returns
// the list and the time it stops being usable. The shared fetch runs on a
// context that no single caller can cancel, so fetch must bound itself.
// Callers waiting on it return early when their own context ends.
func (c *RevocationCache) CRL(ctx context.Context, key string, fetch func(context.Context) (*x509.RevocationList, time.Time, error)) (*x509.RevocationList, error) {
	if crl, ok := c.cachedCRL(key); ok {
		return crl, nil
	}

	ch := c.group.DoChan("crl|"+key, func() (interface{}, error) {
		if crl, ok := c.cachedCRL(key); ok {
			return crl, nil
		}
		crl, expires, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if ttl := expires.Sub(c.now()); ttl > 0 {
			c.crl.Set(key, crlEntry{crl: crl, expires: expires}, ttl)
		}
		return crl, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*x509.RevocationList), nil
	}
}

func (c *RevocationCache) cachedCRL(key string) (*x509.RevocationList, bool) {
	v, ok := c.crl.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(crlEntry)
	if !c.now().Before(entry.expires) {
		c.crl.Delete(key)
		return nil, false
	}
	return entry.crl, true
}

// Len returns the number of cached OCSP results and CRLs
func (c *RevocationCache) Len() (ocspEntries, crlEntries int) {
	return c.ocsp.ItemCount(), c.crl.ItemCount()
}

// Flush removes every entry
func (c *RevocationCache) Flush() {
	c.ocsp.Flush()
	c.crl.Flush()
}
