package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"goa.design/clue/log"

	durable "github.com/grantjenks/go-durable"
)

// Follower wire protocol: the leader writes one JSON command per line
// to the follower's stdin and the follower answers one JSON ack per
// line on stdout. Commands are either an activity task, a workflow
// step, or an exit request.
const (
	cmdActivity = "activity"
	cmdWorkflow = "workflow"
	cmdExit     = "exit"
)

type (
	command struct {
		Cmd string `json:"cmd"`
		// ID is the activity task id (a JSON number) or the workflow
		// execution id (a string), depending on Cmd.
		ID any `json:"id,omitempty"`
	}

	ack struct {
		OK    bool   `json:"ok"`
		Cmd   string `json:"cmd"`
		Error string `json:"error,omitempty"`
	}

	// follower is one unit of execution capacity owned by the
	// dispatcher. A follower executes one command at a time.
	follower interface {
		// send hands a command to the follower. It fails when the
		// follower has exited.
		send(cmd command) error
		// inflight is the number of commands sent but not yet acked,
		// zero or one.
		inflight() int
		// alive reports whether the follower can accept commands.
		alive() bool
		// kill aborts the in-flight command and retires the follower.
		kill()
		// stop asks the follower to exit and releases its resources.
		stop()
	}
)

// taskID extracts the numeric id of an activity command, whatever form
// the JSON decoding left it in.
func (c command) taskID() (int64, error) {
	switch id := c.ID.(type) {
	case int64:
		return id, nil
	case float64:
		return int64(id), nil
	case json.Number:
		return id.Int64()
	}
	return 0, fmt.Errorf("invalid task id %v", c.ID)
}

// executionID extracts the workflow execution id of a workflow command.
func (c command) executionID() (uuid.UUID, error) {
	s, ok := c.ID.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid execution id %v", c.ID)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid execution id %q: %w", s, err)
	}
	return id, nil
}

// subprocessFollower runs commands in a child process. The child is
// this same binary re-executed in follower mode, so a crashing or
// leaking activity takes down the child, not the dispatcher, and a
// stuck one can be killed outright.
type subprocessFollower struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	mu      sync.Mutex
	pending atomic.Int64
	dead    atomic.Bool
}

// spawnFollower re-executes the current binary with the follower
// environment markers set and wires up the line protocol. maxTasks
// bounds how many commands the child processes before exiting; the
// dispatcher respawns a fresh one.
func spawnFollower(ctx context.Context, extraArgs []string, maxTasks int) (*subprocessFollower, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, extraArgs...)
	cmd.Env = append(os.Environ(),
		followerEnv+"=1",
		followerMaxEnv+"="+strconv.Itoa(maxTasks))
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start follower: %w", err)
	}
	f := &subprocessFollower{cmd: cmd, stdin: stdin, enc: json.NewEncoder(stdin)}
	go f.readAcks(ctx, stdout)
	log.Info(ctx, log.KV{K: "msg", V: "follower started"}, log.KV{K: "pid", V: cmd.Process.Pid})
	return f, nil
}

const (
	// followerEnv marks a process as running in follower mode.
	followerEnv = "DURABLE_FOLLOWER"
	// followerMaxEnv bounds commands processed before the follower
	// exits; zero or unset means unbounded.
	followerMaxEnv = "DURABLE_FOLLOWER_MAX_TASKS"
)

// IsFollower reports whether this process was spawned as a follower.
func IsFollower() bool { return os.Getenv(followerEnv) == "1" }

func (f *subprocessFollower) readAcks(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var a ack
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			log.Errorf(ctx, err, "follower ack decode")
			continue
		}
		f.pending.Add(-1)
		if !a.OK {
			log.Error(ctx, errors.New(a.Error), log.KV{K: "msg", V: "follower command failed"}, log.KV{K: "cmd", V: a.Cmd})
		}
	}
	f.dead.Store(true)
	if err := f.cmd.Wait(); err != nil {
		log.Errorf(ctx, err, "follower exited")
	}
}

func (f *subprocessFollower) send(cmd command) error {
	if f.dead.Load() {
		return errors.New("follower exited")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.Add(1)
	if err := f.enc.Encode(cmd); err != nil {
		f.pending.Add(-1)
		f.dead.Store(true)
		return fmt.Errorf("send to follower: %w", err)
	}
	return nil
}

func (f *subprocessFollower) inflight() int { return int(f.pending.Load()) }

func (f *subprocessFollower) alive() bool { return !f.dead.Load() }

func (f *subprocessFollower) kill() {
	f.dead.Store(true)
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}

func (f *subprocessFollower) stop() {
	_ = f.send(command{Cmd: cmdExit})
	_ = f.stdin.Close()
}

// inprocFollower runs commands on a goroutine in the dispatcher's own
// process. Used by tests and by single-process deployments where
// subprocess isolation is not wanted. kill cancels the in-flight
// command's context; an activity that ignores its context cannot be
// stopped in this mode.
type inprocFollower struct {
	engine  *durable.Engine
	cmds    chan command
	pending atomic.Int64
	done    chan struct{}
	killed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newInprocFollower(ctx context.Context, engine *durable.Engine) *inprocFollower {
	f := &inprocFollower{
		engine: engine,
		cmds:   make(chan command, 1),
		done:   make(chan struct{}),
	}
	go f.run(ctx)
	return f
}

func (f *inprocFollower) run(ctx context.Context) {
	defer close(f.done)
	for cmd := range f.cmds {
		if cmd.Cmd == cmdExit {
			return
		}
		cctx, cancel := context.WithCancel(ctx)
		f.mu.Lock()
		f.cancel = cancel
		f.mu.Unlock()
		if err := executeCommand(cctx, f.engine, cmd); err != nil {
			log.Errorf(ctx, err, "inproc follower command")
		}
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
		f.pending.Add(-1)
		if f.killed.Load() {
			return
		}
	}
}

func (f *inprocFollower) send(cmd command) error {
	if f.killed.Load() {
		return errors.New("follower exited")
	}
	f.pending.Add(1)
	select {
	case f.cmds <- cmd:
		return nil
	case <-f.done:
		f.pending.Add(-1)
		return errors.New("follower exited")
	}
}

func (f *inprocFollower) inflight() int { return int(f.pending.Load()) }

func (f *inprocFollower) alive() bool {
	if f.killed.Load() {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *inprocFollower) kill() {
	f.killed.Store(true)
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
}

func (f *inprocFollower) stop() {
	select {
	case f.cmds <- command{Cmd: cmdExit}:
	case <-f.done:
	}
}

// executeCommand dispatches one follower command to the engine.
func executeCommand(ctx context.Context, engine *durable.Engine, cmd command) error {
	switch cmd.Cmd {
	case cmdActivity:
		id, err := cmd.taskID()
		if err != nil {
			return err
		}
		return engine.ExecuteActivity(ctx, id)
	case cmdWorkflow:
		id, err := cmd.executionID()
		if err != nil {
			return err
		}
		_, err = engine.StepWorkflow(ctx, id)
		return err
	default:
		return fmt.Errorf("unknown follower command %q", cmd.Cmd)
	}
}

// RunFollower is the follower-mode main loop: it reads commands from r,
// executes them against the engine, and writes one ack per command to
// w. It returns when it reads an exit command, r reaches EOF, or the
// command budget from the environment is spent.
func RunFollower(ctx context.Context, engine *durable.Engine, r io.Reader, w io.Writer) error {
	limit := 0
	if v := os.Getenv(followerMaxEnv); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	enc := json.NewEncoder(w)
	processed := 0
	for {
		var cmd command
		if err := dec.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode follower command: %w", err)
		}
		if cmd.Cmd == cmdExit {
			return nil
		}
		a := ack{OK: true, Cmd: cmd.Cmd}
		if err := executeCommand(ctx, engine, cmd); err != nil {
			a.OK = false
			a.Error = err.Error()
		}
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("encode follower ack: %w", err)
		}
		processed++
		if limit > 0 && processed >= limit {
			return nil
		}
	}
}
