package session

// Credentials is the opaque bag a session is constructed with: at minimum a
// user name and a secret, resolved by an external authenticator before
// cockpitwsd ever sees them (login itself is out of scope, spec.md §1).
type Credentials struct {
	User     string
	Password string
	// HostKey holds a remote host key for the session's identity. Only
	// Empty reads it; secure-shell connects (pipe.DialSSHPTY) always check
	// host keys against the known_hosts file.
	HostKey string
}

// Empty reports whether c carries no identity at all. A Session must never
// be constructed with a nil *Credentials (spec.md §4.D: "refuses to be
// constructed with null credentials, a hard programmer error") — this helper
// is not a substitute for that check. GatewayHandler does not call it: the
// no-auth stub runs when the Resolver returns a nil Session.
func (c *Credentials) Empty() bool {
	return c == nil || (c.User == "" && c.Password == "" && c.HostKey == "")
}
