// Package builtin contains the processors every dNet server can serve: an echo
// slot for connectivity checks, node.info describing the node mark, and
// file.upload acknowledging received files.
package builtin
