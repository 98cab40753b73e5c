// Package metrics holds values shared by every Prometheus collector in backfila.
package metrics

// NamespacePrefix is the namespace of all backfila Prometheus metrics.
const NamespacePrefix = "backfila"
