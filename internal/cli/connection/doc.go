// Package connection is the snapkeeper-cli client for a node's HTTP
// endpoints (/health and /status).
package connection
