package session

import "github.com/willibrandon/tracemir/pkg/trace"

// MemConnector serves sessions from an in-process store, for running without
// a remote trace endpoint. Name labels the stores it creates.
type MemConnector struct {
	Name string
}

func (c MemConnector) storeName() string {
	if c.Name == "" {
		return "in-process store"
	}
	return c.Name
}

// Connect ignores the address and returns a fresh in-process store.
func (c MemConnector) Connect(address string) (trace.Client, error) {
	return trace.NewMemStore(c.storeName()), nil
}

// Listen ignores the address and returns a fresh in-process store
// immediately; there is no peer to wait for.
func (c MemConnector) Listen(address string) (trace.Client, string, error) {
	return trace.NewMemStore(c.storeName()), address, nil
}
