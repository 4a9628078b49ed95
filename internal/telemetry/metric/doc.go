// Package metric provides Prometheus metrics for snapkeeper.
//
// Metrics cover the consistency subsystem:
//
//   - Unsafe region activity and accumulated unsafe time
//   - Epoch commits and store recoveries
//   - Snapshot production and installation
//   - Agreement passes, peer query outcomes and quorum size
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
