package uapi

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvID identifies an environment. Zero always means "the calling
// environment" when passed to a syscall.
type EnvID int32

// ENVX extracts the env table index from id.
func ENVX(id EnvID) int { return int(id) & (NENV - 1) }

// NENV bounds the env table size; the low bits of an EnvID index the table.
const NENV = 1 << 10

func (id EnvID) String() string { return fmt.Sprintf("%08x", int32(id)) }

// EnvStatus is the scheduling status of an environment.
type EnvStatus int

const (
	EnvFree        EnvStatus = iota // FREE: slot unused
	EnvDying                        // DYING: being torn down
	EnvRunnable                     // RUNNABLE: eligible to run
	EnvRunning                      // RUNNING: currently on a CPU
	EnvNotRunnable                  // NOT_RUNNABLE: exists but must not be scheduled
)

var envStatusNames = [...]string{"FREE", "DYING", "RUNNABLE", "RUNNING", "NOT_RUNNABLE"}

func (s EnvStatus) String() string {
	if int(s) >= 0 && int(s) < len(envStatusNames) {
		return envStatusNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Errno is a capability failure. Its Code is the negative value a C-style
// caller would observe.
type Errno int

const (
	E_UNSPECIFIED Errno = -1
	E_BAD_ENV     Errno = -2
	E_INVAL       Errno = -3
	E_NO_MEM      Errno = -4
	E_NO_FREE_ENV Errno = -5
	E_FAULT       Errno = -6
)

var errnoText = map[Errno]string{
	E_UNSPECIFIED: "unspecified error",
	E_BAD_ENV:     "bad environment",
	E_INVAL:       "invalid parameter",
	E_NO_MEM:      "out of memory",
	E_NO_FREE_ENV: "out of environments",
	E_FAULT:       "segmentation fault",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(e))
}

// Code returns the negative error code.
func (e Errno) Code() int { return int(e) }

// ParseEnvID parses a hexadecimal env id, with or without a 0x prefix.
func ParseEnvID(s string) (EnvID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid env id %q", s)
	}
	return EnvID(int32(v)), nil
}
