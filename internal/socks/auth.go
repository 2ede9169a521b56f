// DynamicAuthenticator stands in for the external
// authenticateWithDynamicPassword collaborator declared in
// original_source/base/ValidateUtils.h. Password generation and MD5
// hashing are out of scope here; this package only needs somewhere to
// plug such a collaborator in.
package socks

// DynamicAuthenticator validates a username/password pair against a
// rotating or externally-generated credential store.
type DynamicAuthenticator interface {
	Authenticate(username, password string) bool
}

// RejectAllAuthenticator is the default DynamicAuthenticator: it always
// rejects, since no real password-generation scheme is implemented in
// this package.
type RejectAllAuthenticator struct{}

func (RejectAllAuthenticator) Authenticate(string, string) bool { return false }
