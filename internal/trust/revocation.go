package trust

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ransomeye/coreplane/infrastructure/cache"
	"github.com/ransomeye/coreplane/internal/coreerr"
)

// revokedSetCacheKey is the single versioned entry the revocation cache
// holds: the complete hex-encoded revoked-serial set from the most recent
// successfully verified CRL.
const revokedSetCacheKey = "revoked_serials"

// DefaultCRLRefreshInterval is used by Start when callers pass a
// non-positive interval, matching the original source's hard-coded hourly
// refresh (spec Open Question (c)).
const DefaultCRLRefreshInterval = time.Hour

// RevocationChecker tracks revoked producer certificates via a periodically
// reloaded CRL, cached as a versioned entry so IsRevoked always reads a
// single consistent snapshot even while a reload is in flight. Resolution
// of the spec's Open Question on CRL staleness: if the CRL has not
// refreshed within maxStaleness, every revocation check fails closed
// (treated as revoked) rather than trusting a stale list.
type RevocationChecker struct {
	mu           sync.RWMutex
	store        *Store
	crlPath      string
	maxStaleness time.Duration
	cache        *cache.Cache
	lastLoaded   time.Time
	log          *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRevocationChecker constructs a checker bound to store's pinned roots and
// producer certificates. maxStaleness is read from
// RANSOMEYE_CRL_MAX_STALENESS_SECONDS by callers and passed in here.
func NewRevocationChecker(store *Store, crlPath string, maxStaleness time.Duration, log *logrus.Entry) *RevocationChecker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RevocationChecker{
		store:        store,
		crlPath:      crlPath,
		maxStaleness: maxStaleness,
		log:          log,
		// The cached revoked set is refreshed by Reload itself, not by the
		// cache's own TTL; the entry is given a generous TTL purely so a
		// checker that stops refreshing (Start never called, or the
		// refresh loop wedged) loses the cached set rather than serving it
		// forever, surfacing as the same fail-closed path as a stale load.
		cache: cache.NewCache(cache.CacheConfig{DefaultTTL: 24 * time.Hour}),
	}
}

// Start launches a ticker-driven goroutine that calls Reload every interval
// (DefaultCRLRefreshInterval if interval is non-positive), refreshing the
// versioned cache entry in the background for the life of ctx. Start is
// idempotent; call Stop before calling Start again. A failed periodic
// reload is logged and leaves the previous cache entry (and lastLoaded
// timestamp) in place, so IsRevoked's staleness check is what eventually
// fails closed if reloads keep failing.
func (r *RevocationChecker) Start(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = DefaultCRLRefreshInterval
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.refreshLoop(loopCtx, interval)
}

func (r *RevocationChecker) refreshLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(); err != nil {
				r.log.WithError(err).Error("periodic CRL reload failed; revocation checks continue against the prior list until the next successful reload")
			}
		}
	}
}

// Stop halts the periodic refresh goroutine started by Start and waits for
// it to exit. Safe to call even if Start was never called.
func (r *RevocationChecker) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Reload parses the CRL file at crlPath, verifies its signature against a
// pinned root, and replaces the cached revoked-serial set. Called at
// startup and on the periodic refresh interval; a CRL that fails its own
// signature check is rejected outright and the previous cache entry is
// retained, never replaced by a weaker or unverifiable list.
func (r *RevocationChecker) Reload() error {
	if r.crlPath == "" {
		return nil
	}
	raw, err := os.ReadFile(r.crlPath)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.RevocationChecker.Reload", "read CRL file", err)
	}

	list, err := x509.ParseRevocationList(raw)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.RevocationChecker.Reload", "parse CRL", err)
	}

	verified := false
	for _, root := range r.store.RootCerts() {
		if err := list.CheckSignatureFrom(root); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return coreerr.IntegrityMsg("trust.RevocationChecker.Reload", "CRL signature does not verify against any pinned root")
	}

	revoked := make(map[string]bool, len(list.RevokedCertificateEntries))
	for _, entry := range list.RevokedCertificateEntries {
		revoked[fmt.Sprintf("%x", entry.SerialNumber.Bytes())] = true
	}

	r.cache.SetVersioned(revokedSetCacheKey, revoked, 24*time.Hour)

	r.mu.Lock()
	r.lastLoaded = time.Now()
	r.mu.Unlock()

	r.log.WithField("entries", len(revoked)).Info("reloaded certificate revocation list")
	return nil
}

// IsRevoked reports whether producerID's pinned certificate is revoked.
// Fail-closed: if the CRL has never loaded, has gone stale beyond
// maxStaleness, or the cached entry has itself expired out from under a
// refresh loop that stopped ticking, this returns a KindIntegrity error
// rather than silently treating the producer as trusted.
func (r *RevocationChecker) IsRevoked(producerID string) (bool, error) {
	r.mu.RLock()
	lastLoaded := r.lastLoaded
	r.mu.RUnlock()

	if lastLoaded.IsZero() {
		return false, coreerr.IntegrityMsg("trust.RevocationChecker.IsRevoked", "revocation list has never been loaded")
	}
	if r.maxStaleness > 0 && time.Since(lastLoaded) > r.maxStaleness {
		return false, coreerr.IntegrityMsg("trust.RevocationChecker.IsRevoked", "revocation list is stale beyond the configured threshold")
	}

	cached, _, ok := r.cache.GetVersion(revokedSetCacheKey)
	if !ok {
		return false, coreerr.IntegrityMsg("trust.RevocationChecker.IsRevoked", "revoked-serial cache entry is missing or expired")
	}
	revoked, ok := cached.(map[string]bool)
	if !ok {
		return false, coreerr.IntegrityMsg("trust.RevocationChecker.IsRevoked", "revoked-serial cache entry has an unexpected type")
	}

	cert, err := r.store.GetProducerCertificate(producerID)
	if err != nil {
		return false, err
	}
	serialHex := fmt.Sprintf("%x", cert.SerialNumber.Bytes())
	return revoked[serialHex], nil
}

// LastLoaded returns the time the revocation list was last successfully reloaded.
func (r *RevocationChecker) LastLoaded() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastLoaded
}
