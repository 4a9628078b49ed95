// Package command defines the snapkeeper-cli commands using urfave/cli/v2.
//
//   - root.go: App, global flags and shared helpers
//   - status.go: status and health of a running node
//   - vote.go: a one-off snapshot hash agreement pass
//   - snapshot.go: snapshot list, create and verify
//   - workspace.go: cleanup of incomplete snapshot workspaces
//   - config.go: node configuration show and validate
//
// status, health and snapshot list talk to a running node. vote queries
// the participants listed in the node configuration. snapshot create and
// workspace clean open the node's stores directly and need the node to be
// stopped.
package command
