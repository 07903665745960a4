// Package sandbox provisions the disposable execution environment a
// session debugs against: a Docker container running Node with
// --inspect-wait, the caller's code injected as the program entrypoint.
package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrProvision means the environment could not be built or started.
	// Fatal to session creation; no session exists afterwards.
	ErrProvision = errors.New("sandbox could not be provisioned")
	// ErrInjection means the environment started but the entry code could
	// not be placed or compiled in the target.
	ErrInjection = errors.New("entry code could not be started in the target")
)

// Spec describes the environment to provision. Code becomes the program
// entrypoint; ProjectDir, when set, is copied in alongside it.
type Spec struct {
	Code        string
	ProjectDir  string
	PackageJSON map[string]any // merged over the base package.json
	TSConfig    map[string]any // merged over the base tsconfig.json
}

// Env is a handle on a provisioned environment. The owning session holds
// it for the session's lifetime and requests teardown on close.
type Env struct {
	ContainerID string
	Endpoint    string // inspector websocket URL
	HostPort    string
}

// Provisioner starts and stops isolated execution environments.
type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (*Env, error)
	Teardown(ctx context.Context, env *Env) error
}
