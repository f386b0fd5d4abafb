package runtime

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// ProcessSpec describes a process to start inside a sandbox.
type ProcessSpec struct {
	// Cmd is the executable; Args[0] is filled from it when empty.
	Cmd string `json:"cmd"`
	// Args are the command arguments including the command itself.
	Args []string `json:"args"`
	// Env entries in key=value format.
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	// User is "uid", "uid:gid", "name" or "name:group".
	User     string `json:"user,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`

	// Optional stdio file paths, opened by the host.
	Stdin  string `json:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// NewProcessSpec creates a spec for cmd with args.
func NewProcessSpec(cmd string, args ...string) ProcessSpec {
	if len(args) == 0 || args[0] != cmd {
		args = append([]string{cmd}, args...)
	}
	return ProcessSpec{
		Cmd:        cmd,
		Args:       args,
		WorkingDir: "/",
	}
}

// WithEnv adds environment variables to the spec.
func (ps ProcessSpec) WithEnv(env map[string]string) ProcessSpec {
	ps.Env = append(append([]string(nil), ps.Env...), envSlice(env)...)
	return ps
}

// WithUser sets the user the process runs as.
func (ps ProcessSpec) WithUser(user string) ProcessSpec {
	ps.User = user
	return ps
}

// WithStdio sets stdio file paths; empty paths are left unchanged.
func (ps ProcessSpec) WithStdio(stdin, stdout, stderr string) ProcessSpec {
	if stdin != "" {
		ps.Stdin = stdin
	}
	if stdout != "" {
		ps.Stdout = stdout
	}
	if stderr != "" {
		ps.Stderr = stderr
	}
	return ps
}

// Validate checks that the spec names something to run.
func (ps ProcessSpec) Validate() error {
	if ps.Cmd == "" && len(ps.Args) == 0 {
		return fmt.Errorf("process spec has no command")
	}
	return nil
}

// Name returns the executable name used in logs and records.
func (ps ProcessSpec) Name() string {
	if ps.Cmd != "" {
		return ps.Cmd
	}
	if len(ps.Args) > 0 {
		return ps.Args[0]
	}
	return ""
}

// ToOCIProcessSpec converts the spec to an OCI process.
func (ps ProcessSpec) ToOCIProcessSpec() *specs.Process {
	process := &specs.Process{
		Terminal: ps.Terminal,
		Args:     append([]string(nil), ps.Args...),
		Env:      append([]string(nil), ps.Env...),
		Cwd:      ps.WorkingDir,
		User:     parseUser(ps.User),
	}

	if process.Cwd == "" {
		process.Cwd = "/"
	}

	if len(process.Args) == 0 && ps.Cmd != "" {
		process.Args = []string{ps.Cmd}
	} else if len(process.Args) > 0 && ps.Cmd != "" && process.Args[0] != ps.Cmd {
		process.Args = append([]string{ps.Cmd}, process.Args...)
	}

	return process
}

// parseUser parses "username", "uid", "uid:gid" or "username:groupname".
func parseUser(userSpec string) specs.User {
	user := specs.User{}
	if userSpec == "" {
		return user
	}

	name, group, hasGroup := strings.Cut(userSpec, ":")
	if uid, err := strconv.ParseUint(name, 10, 32); err == nil {
		user.UID = uint32(uid)
	} else {
		user.Username = name
	}
	if hasGroup {
		if gid, err := strconv.ParseUint(group, 10, 32); err == nil {
			user.GID = uint32(gid)
		}
	}
	return user
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// fileIO hands stdio files from a ProcessSpec to the runtime command.
type fileIO struct {
	stdin, stdout, stderr *os.File
}

func openFileIO(ps ProcessSpec) (*fileIO, error) {
	fio := &fileIO{}
	var err error
	if ps.Stdin != "" {
		if fio.stdin, err = os.Open(ps.Stdin); err != nil {
			return nil, fmt.Errorf("failed to open stdin: %w", err)
		}
	}
	if ps.Stdout != "" {
		if fio.stdout, err = os.OpenFile(ps.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			fio.Close()
			return nil, fmt.Errorf("failed to open stdout: %w", err)
		}
	}
	if ps.Stderr != "" {
		if fio.stderr, err = os.OpenFile(ps.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			fio.Close()
			return nil, fmt.Errorf("failed to open stderr: %w", err)
		}
	}
	return fio, nil
}

func (f *fileIO) Close() error {
	for _, file := range []*os.File{f.stdin, f.stdout, f.stderr} {
		if file != nil {
			file.Close()
		}
	}
	return nil
}

func (f *fileIO) Stdin() io.WriteCloser { return nil }
func (f *fileIO) Stdout() io.ReadCloser { return nil }
func (f *fileIO) Stderr() io.ReadCloser { return nil }

func (f *fileIO) Set(cmd *exec.Cmd) {
	if f.stdin != nil {
		cmd.Stdin = f.stdin
	}
	if f.stdout != nil {
		cmd.Stdout = f.stdout
	}
	if f.stderr != nil {
		cmd.Stderr = f.stderr
	}
}
