package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

// New creates the client of the configured mode
func New(ctx context.Context, config common.ClientConfig) (IClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	switch config.Mode {
	case common.ModeCluster:
		c, err := NewCluster(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case common.ModeSentinel:
		c, err := NewMasterReplica(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		c, err := NewStandalone(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
