package runtime

import (
	"context"

	"github.com/beam-cloud/go-runc"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// RuncInterface is the subset of runc operations the runc host uses.
type RuncInterface interface {
	State(ctx context.Context, id string) (*runc.Container, error)
	Create(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error
	Start(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, spec specs.Process, opts *runc.ExecOpts) error
	Kill(ctx context.Context, id string, sig int, opts *runc.KillOpts) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string, opts *runc.DeleteOpts) error
}
