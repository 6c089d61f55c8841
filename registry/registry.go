// Package registry advertises running bridges so clients can find them without
// a fixed address.
package registry

import "context"

// ServiceInstance is one advertised bridge.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	// Register advertises instance under serviceName for as long as the lease
	// of ttl seconds keeps being renewed.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func key(serviceName, addr string) string {
	return prefix(serviceName) + addr
}

func prefix(serviceName string) string {
	return "/cad-bridge/" + serviceName + "/"
}
