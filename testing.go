package rdmacore

import (
	"context"
	"fmt"

	"github.com/vuhuong/rdmacore/internal/verbs"
)

// OpenSim opens an Endpoint backed by one or more software-simulated
// devices (verbs.SimDevice) instead of a real HCA, the role
// ehrlich-b-go-ublk/testing.go's MockBackend plays for callers who want
// to exercise this package without RDMA-capable hardware: unit tests,
// the CLI's demo mode, and this repo's own package tests. names defaults
// to a single device named "sim0".
func OpenSim(params Params, options *Options, names ...string) (*Endpoint, error) {
	if len(names) == 0 {
		names = []string{"sim0"}
	}
	ep, err := Open(context.Background(), params, options)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := ep.AddDevice(verbs.NewSimDevice(name)); err != nil {
			ep.Close()
			return nil, fmt.Errorf("rdmacore: OpenSim: add device %q: %w", name, err)
		}
	}
	return ep, nil
}
