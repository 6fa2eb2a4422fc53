// Package cmd implements the command-line interface of dNet. It provides
// commands for running a server and for talking to one as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a dNet server with the built-in processors
//   - send: Client commands sending a package to a slot (send) or querying
//     the node information of a server (info)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable DNET_<FLAG>
// (e.g. DNET_LOG_LEVEL=debug), a .env file or the config file given by --config.
//
// See dnet -help for a list of all commands.
package cmd
