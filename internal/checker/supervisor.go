package checker

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fausecteam/ctf-gameserver/internal/checkresult"
)

// Actions of the Checker Script IPC protocol. Communication is always
// initiated by the script, the Runner only responds.
const (
	ActionFlag   = "FLAG"
	ActionFlagID = "FLAGID"
	ActionLoad   = "LOAD"
	ActionStore  = "STORE"
	ActionLog    = "LOG"
	ActionResult = "RESULT"

	// actionRunnerExit marks a Runner's exit on the internal request
	// queue. Checker Scripts must never send it themselves.
	actionRunnerExit = "RUNNER_EXIT"
)

// runnerEnv is set in a Checker Script's environment to tell the
// checkerlib that it is being executed by a Runner.
const runnerEnv = "CTF_CHECKERSCRIPT"

const (
	// Upper bound for a single IPC message, STORE payloads included.
	maxMessageSize = 1 << 20
	// Pending requests from concurrently running Checker Scripts.
	requestBacklog = 64
)

// TaskInfo identifies one check of one team's service. It is attached
// to all requests and log records of the corresponding Checker Script,
// so the field values should be human-readable.
type TaskInfo struct {
	Service   string
	TeamID    int
	TeamNetNo int
	Tick      int
}

// Request is a single message from a Checker Script awaiting its
// response. LOG messages are handled by the Runner itself and never
// surface as requests.
type Request struct {
	RunnerID int
	Action   string
	Param    json.RawMessage
	Info     TaskInfo

	resp chan<- interface{}
}

// Respond sends the response for this request back to the Checker
// Script. Call it at most once per request; terminating the Runner is
// the only alternative to responding.
func (r *Request) Respond(value interface{}) {
	if r.resp != nil {
		r.resp <- value
	}
}

// Supervisor launches Checker Script Runners and communicates with
// them. It is not safe for concurrent use, the Master drives it from a
// single goroutine.
type Supervisor struct {
	sudoUser string

	requests     chan *Request
	runners      map[int]*runner
	nextID       int
	queueTimeout time.Duration
}

// NewSupervisor creates an empty Supervisor. With a non-empty
// sudoUser, Checker Scripts are executed as that user through sudo.
func NewSupervisor(sudoUser string) *Supervisor {
	return &Supervisor{
		sudoUser:     sudoUser,
		requests:     make(chan *Request, requestBacklog),
		runners:      make(map[int]*runner),
		queueTimeout: time.Second,
	}
}

// runner is one Checker Script child process together with its pipes.
type runner struct {
	id       int
	info     TaskInfo
	cmd      *exec.Cmd
	sudoUser string

	// Control pipe ends held by the parent. The script sees the other
	// ends as file descriptors 3 (responses in) and 4 (requests out).
	ctrlIn  *os.File
	ctrlOut *os.File

	started time.Time
	// done is closed once the process has been reaped. It unblocks the
	// request pump when the Master terminates the Runner instead of
	// responding.
	done chan struct{}

	log *logrus.Entry
}

// StartRunner executes args[0] with the remaining args as a new
// Checker Script process in its own process group. The script's
// environment is scrubbed down to PATH and the runner marker variable.
func (s *Supervisor) StartRunner(args []string, info TaskInfo) error {
	log.WithFields(logrus.Fields{
		"args": args, "service": info.Service, "team": info.TeamNetNo, "tick": info.Tick,
	}).Info("Starting Checker Script Runner")

	ctrlInR, ctrlInW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "could not create control pipe")
	}
	ctrlOutR, ctrlOutW, err := os.Pipe()
	if err != nil {
		ctrlInR.Close()
		ctrlInW.Close()
		return errors.Wrap(err, "could not create control pipe")
	}
	closePipes := func() {
		ctrlInR.Close()
		ctrlInW.Close()
		ctrlOutR.Close()
		ctrlOutW.Close()
	}

	if s.sudoUser != "" {
		args = append([]string{
			"sudo", "--user=" + s.sudoUser, "--preserve-env=PATH," + runnerEnv,
			"--close-from=5", "--non-interactive", "--",
		}, args...)
	}

	cmd := exec.Command(args[0], args[1:]...)
	// Scripts get a minimal environment, the marker variable tells the
	// checkerlib that it runs under a Runner.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), runnerEnv + "=1"}
	// The script sees these as file descriptors 3 and 4.
	cmd.ExtraFiles = []*os.File{ctrlInR, ctrlOutW}
	// A separate process group allows killing the script together with
	// all its children at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closePipes()
		return errors.Wrap(err, "could not create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closePipes()
		return errors.Wrap(err, "could not create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		return errors.Wrap(err, "could not start Checker Script")
	}
	// The child holds its own copies now.
	ctrlInR.Close()
	ctrlOutW.Close()

	r := &runner{
		id:       s.nextID,
		info:     info,
		cmd:      cmd,
		sudoUser: s.sudoUser,
		ctrlIn:   ctrlInW,
		ctrlOut:  ctrlOutR,
		started:  time.Now(),
		done:     make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"prefix": "script", "service": info.Service, "team": info.TeamNetNo, "tick": info.Tick,
		}),
	}
	s.runners[r.id] = r
	s.nextID++

	var outputs sync.WaitGroup
	outputs.Add(2)
	go r.forwardOutput(stdout, &outputs)
	go r.forwardOutput(stderr, &outputs)
	go r.pump(s.requests)
	go func() {
		// The stdout and stderr pipes must be drained before Wait may
		// close them.
		outputs.Wait()
		waitErr := cmd.Wait()
		close(r.done)
		r.ctrlIn.Close()
		r.ctrlOut.Close()
		r.logExit(waitErr)
		s.requests <- &Request{RunnerID: r.id, Action: actionRunnerExit}
	}()

	startedTasks.WithLabelValues(info.Service).Inc()
	return nil
}

// GetRequest returns the next pending request from any Checker Script,
// or nil when none arrives within the queue timeout. Runner exits are
// consumed along the way.
func (s *Supervisor) GetRequest() *Request {
	timer := time.NewTimer(s.queueTimeout)
	defer timer.Stop()

	for {
		var req *Request
		select {
		case req = <-s.requests:
		case <-timer.C:
			return nil
		}

		r, ok := s.runners[req.RunnerID]
		if !ok {
			// Left over from a Runner that has been terminated in the
			// meantime.
			continue
		}

		if req.Action != actionRunnerExit {
			return req
		}
		scriptDurationSeconds.WithLabelValues(r.info.Service).Observe(time.Since(r.started).Seconds())
		delete(s.runners, req.RunnerID)
		if len(s.requests) == 0 {
			return nil
		}
	}
}

// TerminateRunner kills the given Runner's process group. The Runner
// stays accounted for until its exit has been collected by GetRequest.
func (s *Supervisor) TerminateRunner(runnerID int) {
	r, ok := s.runners[runnerID]
	if !ok {
		return
	}
	log.WithFields(logrus.Fields{
		"service": r.info.Service, "team": r.info.TeamNetNo, "tick": r.info.Tick,
	}).Info("Terminating Checker Script Runner")
	r.kill()
}

// TerminateRunners kills all running Checker Scripts and returns the
// infos of the affected tasks.
func (s *Supervisor) TerminateRunners() []TaskInfo {
	if len(s.runners) == 0 {
		return nil
	}
	log.Warnf("Terminating all %d Checker Script Runners", len(s.runners))

	infos := make([]TaskInfo, 0, len(s.runners))
	for _, r := range s.runners {
		r.kill()
		infos = append(infos, r.info)
	}
	// Pending requests and exit notifications of the killed Runners are
	// dropped by GetRequest once their entries are gone.
	s.runners = make(map[int]*runner)
	return infos
}

// RunnerCount returns the number of Checker Scripts assumed to be
// running.
func (s *Supervisor) RunnerCount() int {
	return len(s.runners)
}

func (r *runner) kill() {
	if r.cmd.Process == nil {
		return
	}
	pgid := r.cmd.Process.Pid

	if r.sudoUser == "" {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			r.log.WithError(err).Warn("Could not kill Checker Script process group")
		}
		return
	}
	// The process group runs as another user, so sudo has to do the
	// killing for us.
	killCmd := exec.Command("sudo", "--user="+r.sudoUser, "--non-interactive", "--",
		"kill", "-KILL", "--", strconv.Itoa(-pgid))
	if output, err := killCmd.CombinedOutput(); err != nil {
		r.log.WithError(err).Warnf("Could not kill Checker Script process group: %s", output)
	}
}

// forwardOutput turns everything the Checker Script writes to stdout
// or stderr into log records. Well-behaved scripts use LOG messages
// instead.
func (r *runner) forwardOutput(pipe io.Reader, outputs *sync.WaitGroup) {
	defer outputs.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	for scanner.Scan() {
		r.log.Warnf("[SCRIPT OUTPUT] %s", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		r.log.WithError(err).Warn("Could not read Checker Script output")
	}
}

// pump reads IPC messages from the Checker Script, forwards them to
// the Master and writes the responses back. It exits when the script
// closes its side of the control pipe, breaks the message framing or
// the Runner gets terminated.
func (r *runner) pump(requests chan<- *Request) {
	scanner := bufio.NewScanner(r.ctrlOut)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)

	for scanner.Scan() {
		// A script that breaks the protocol cannot be given a response
		// it would understand, killing it is the only option.
		var msg struct {
			Action *string         `json:"action"`
			Param  json.RawMessage `json:"param"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			r.log.WithError(err).Errorf("Could not decode message from Checker Script: %s", scanner.Text())
			r.kill()
			return
		}
		if msg.Action == nil || msg.Param == nil {
			r.log.Errorf(`Message must have "action" and "param" keys: %s`, scanner.Text())
			r.kill()
			return
		}

		switch *msg.Action {
		case ActionLog:
			r.handleLogMessage(msg.Param)
			continue
		case actionRunnerExit:
			r.log.Errorf("RUNNER_EXIT messages must not be generated by the Script: %s", scanner.Text())
			r.kill()
			return
		case ActionFlag, ActionFlagID, ActionLoad, ActionStore, ActionResult:
		default:
			r.log.Errorf(`Message has invalid "action" key: %s`, scanner.Text())
			r.kill()
			return
		}

		if *msg.Action == ActionResult {
			r.logResult(msg.Param)
		}

		resp := make(chan interface{}, 1)
		req := &Request{RunnerID: r.id, Action: *msg.Action, Param: msg.Param, Info: r.info, resp: resp}
		select {
		case requests <- req:
		case <-r.done:
			return
		}

		var value interface{}
		select {
		case value = <-resp:
		case <-r.done:
			return
		}
		if err := r.respond(value); err != nil {
			r.log.WithError(err).Error("Could not write response to Checker Script")
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		r.log.WithError(err).Error("Could not read messages from Checker Script")
		r.kill()
	}
}

func (r *runner) respond(value interface{}) error {
	// JSON encoding never emits raw newlines, so the message always
	// fits a single line.
	data, err := json.Marshal(map[string]interface{}{"response": value})
	if err != nil {
		return errors.Wrap(err, "could not encode response")
	}
	data = append(data, '\n')
	_, err = r.ctrlIn.Write(data)
	return errors.Wrap(err, "could not write response")
}

func (r *runner) logResult(param json.RawMessage) {
	var value int
	if err := json.Unmarshal(param, &value); err != nil {
		// Malformed results are logged by the Master.
		return
	}
	if result, err := checkresult.FromInt(value); err == nil {
		r.log.Infof("[RUNNER] Checker Script result: %s", result)
	}
}

// handleLogMessage relays a LOG message from the Checker Script into
// our own logs, keeping the script's level and source location where
// provided.
func (r *runner) handleLogMessage(param json.RawMessage) {
	var msg struct {
		Message  *string `json:"message"`
		LevelNo  *int    `json:"levelno"`
		Pathname *string `json:"pathname"`
		Lineno   *int    `json:"lineno"`
		FuncName *string `json:"funcName"`
	}
	if err := json.Unmarshal(param, &msg); err != nil || msg.Message == nil {
		r.log.Errorf("Malformed log message from the Script: %s", param)
		return
	}

	level := logrus.InfoLevel
	if msg.LevelNo != nil {
		level = scriptLogLevel(*msg.LevelNo)
	}

	entry := r.log
	if msg.Pathname != nil {
		entry = entry.WithField("pathname", *msg.Pathname)
	}
	if msg.Lineno != nil {
		entry = entry.WithField("lineno", *msg.Lineno)
	}
	if msg.FuncName != nil {
		entry = entry.WithField("func", *msg.FuncName)
	}
	entry.Log(level, *msg.Message)
}

// scriptLogLevel maps the numeric levels of the checkerlib log records
// (10 debug, 20 info, 30 warning, 40 error, 50 critical) to ours.
func scriptLogLevel(levelNo int) logrus.Level {
	switch {
	case levelNo >= 40:
		return logrus.ErrorLevel
	case levelNo >= 30:
		return logrus.WarnLevel
	case levelNo >= 20:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

func (r *runner) logExit(waitErr error) {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			r.log.WithError(waitErr).Warn("[RUNNER] Could not wait for Checker Script")
			return
		}
	}
	r.log.Infof("[RUNNER] Checker Script exited with code %d", r.cmd.ProcessState.ExitCode())
}
