package envelope

import (
	"fmt"

	metrics "github.com/rcrowley/go-metrics"
)

// Package-level metrics, registered once and shared by every engine and
// SessionFactory in the process. Names are namespaced under MetricsPrefix
// so they don't collide with a host application's own rcrowley/go-metrics
// registry.
var (
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)

	sessionCacheHits   = metrics.GetOrRegisterCounter(fmt.Sprintf("%s.sessioncache.hit", MetricsPrefix), nil)
	sessionCacheMisses = metrics.GetOrRegisterCounter(fmt.Sprintf("%s.sessioncache.miss", MetricsPrefix), nil)
)

// metricsDefaultRegistryUnregisterAll clears every metric registered on
// the default rcrowley/go-metrics registry. Used by WithMetrics(false) to
// opt a process out of collection entirely.
func metricsDefaultRegistryUnregisterAll() {
	metrics.DefaultRegistry.UnregisterAll()
}
