package classify

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devorbit",
		Subsystem: "classify",
		Name:      "cache_hits_total",
		Help:      "Classification cache hits, labeled by cache tier.",
	}, []string{"tier"})

	oracleCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devorbit",
		Subsystem: "classify",
		Name:      "oracle_lookups_total",
		Help:      "Cache misses by resolution path: ok, fallback, unconfigured.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(cacheHitCounter, oracleCallCounter)
}

func recordCacheHit(tier string) {
	cacheHitCounter.WithLabelValues(tier).Inc()
}

func recordOracleCall(result string) {
	oracleCallCounter.WithLabelValues(result).Inc()
}
