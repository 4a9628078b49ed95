// Package output renders snapkeeper-cli results.
//
// Every command builds a plain result value and hands it to a Formatter:
// json and yaml encode the value as is, table renders values that
// implement Tabler and falls back to indented JSON for anything else.
// Spinner shows progress on stderr while a command waits on the network.
package output
