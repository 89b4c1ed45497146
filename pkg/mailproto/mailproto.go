// Package mailproto holds the attribute names, request verbs and service
// naming conventions shared by the mail-pipeline IPC clients.
package mailproto

import "path/filepath"

// Attribute names on the wire.
const (
	AttrRequest   = "request"
	AttrAddress   = "address"
	AttrRule      = "rule"
	AttrTransport = "transport"
	AttrNexthop   = "nexthop"
	AttrRecipient = "recipient"
	AttrFlags     = "flags"
)

// Request verbs. The trivial-rewrite daemon answers both.
const (
	ReqResolve = "resolve"
	ReqRewrite = "rewrite"
)

// Service classes. Private services are reachable only by other pipeline
// daemons, public ones also by local user programs.
const (
	ClassPrivate = "private"
	ClassPublic  = "public"
)

// DefaultService is the service that answers resolve and rewrite requests.
const DefaultService = "rewrite"

// Rewriting contexts for the rewrite verb.
const (
	RuleLocal  = "local"
	RuleRemote = "remote"
)

// ServicePath returns the unix socket path of a service endpoint under the
// pipeline queue directory.
func ServicePath(queueDir, class, service string) string {
	return filepath.Join(queueDir, class, service)
}
