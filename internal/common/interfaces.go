package common

// Authenticator validates a bearer credential and yields the caller identity.
// Token issuance lives outside this service.
type Authenticator interface {
	Authenticate(credential string) (Identity, error)
}
