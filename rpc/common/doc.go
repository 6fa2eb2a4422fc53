// Package common provides the data structures shared across the dNet packages:
// settings, the node mark and the logger setup.
//
// Key Components:
//
//   - ServerSettings, ConnectSettings, ClientSettings: immutable value types.
//     Clone returns an independent copy, which the server uses to hand every
//     socket worker its own settings. String renders a human readable summary.
//
//   - NodeMark: identifier derived once from the configured duty tags.
//
//   - Logger: CreateLogger is a dragonboat logger.Factory with a compact
//     "LEVEL | package | message" format, InitLoggers installs it and sets the
//     level of every dNet logger.
package common
