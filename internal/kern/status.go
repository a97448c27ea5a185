package kern

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/uapi"
)

// validTransitions defines allowed env status transitions. Setting a
// status to itself is allowed where sys_env_set_status permits it.
var validTransitions = map[uapi.EnvStatus][]uapi.EnvStatus{
	uapi.EnvFree:        {uapi.EnvNotRunnable},
	uapi.EnvNotRunnable: {uapi.EnvNotRunnable, uapi.EnvRunnable, uapi.EnvDying},
	uapi.EnvRunnable:    {uapi.EnvRunnable, uapi.EnvRunning, uapi.EnvNotRunnable, uapi.EnvDying},
	uapi.EnvRunning:     {uapi.EnvRunnable, uapi.EnvNotRunnable, uapi.EnvDying},
	uapi.EnvDying:       {uapi.EnvFree},
}

// transition moves e to target, rejecting transitions not in the table.
func (e *Env) transition(target uapi.EnvStatus) error {
	for _, a := range validTransitions[e.status] {
		if a == target {
			e.status = target
			return nil
		}
	}
	return fmt.Errorf("env %s: cannot transition from %s to %s", e.id, e.status, target)
}

// executable reports whether the env may issue syscalls or touch memory.
func (e *Env) executable() bool {
	return e.status == uapi.EnvRunnable || e.status == uapi.EnvRunning
}

// alive reports whether the env slot holds a live environment.
func (e *Env) alive() bool {
	return e.status != uapi.EnvFree && e.status != uapi.EnvDying
}
