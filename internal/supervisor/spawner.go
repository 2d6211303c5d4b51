package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// SlotEnv tells a worker process which slot it occupies.
const SlotEnv = "SETTLER_WORKER_SLOT"

// ExecSpawner starts workers by running a binary, by default the current
// executable. Workers inherit stdout and stderr.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

// NewSelfSpawner re-executes the running binary with args.
func NewSelfSpawner(args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: path, Args: args}, nil
}

func (s *ExecSpawner) Spawn(slot int) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append(os.Environ(), s.Env...), SlotEnv+"="+strconv.Itoa(slot))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", slot, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
