// Package discovery defines the provider-discovery seam shared by the
// consumer and provider bootstrap.
//
// The canonical implementation is the registry client; Etcd is an
// operational alternative for deployments that already run etcd.
package discovery

import "relay-rpc/message"

// Discovery is what the consumer needs to find providers and what the
// provider needs to announce itself.
type Discovery interface {
	// Register announces one provider endpoint for one service.
	Register(info message.ServiceInfo) error

	// Unregister withdraws a previously announced endpoint.
	// Called during graceful shutdown before the listener closes.
	Unregister(info message.ServiceInfo) error

	// Lookup returns every known provider for the service. An empty list is
	// not an error; the caller decides how to surface "no providers".
	Lookup(name, version, group string) ([]message.ServiceInfo, error)
}
