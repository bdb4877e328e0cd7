package checkerlib

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
)

// Actions of the control protocol with the Checker Runner: one JSON
// object per line, requests on file descriptor 4, responses on file
// descriptor 3. The script always initiates.
const (
	actionFlag   = "FLAG"
	actionFlagID = "FLAGID"
	actionLoad   = "LOAD"
	actionStore  = "STORE"
	actionLog    = "LOG"
	actionResult = "RESULT"
)

// ctrl is nil when the script runs without a Checker Runner.
var ctrl *controlChannel

func init() {
	if os.Getenv("CTF_CHECKERSCRIPT") == "" {
		return
	}

	in := os.NewFile(3, "ctrl_in")
	out := os.NewFile(4, "ctrl_out")
	if in == nil || out == nil {
		log.Fatal("Control descriptors 3 and 4 are not open")
	}
	ctrl = &controlChannel{
		in:  bufio.NewScanner(in),
		out: out,
	}

	// Relay everything written through package log to the Runner. The
	// Runner's logger adds its own timestamps, drop the default ones.
	log.SetOutput(logRelay{})
	log.SetFlags(0)
}

type controlChannel struct {
	mu  sync.Mutex
	in  *bufio.Scanner
	out io.Writer
}

func (c *controlChannel) sendOnly(action string, param interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send(action, param)
}

func (c *controlChannel) sendRecv(action string, param interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send(action, param)
	return c.recv()
}

// send writes one message. The caller must hold mu.
func (c *controlChannel) send(action string, param interface{}) {
	message, err := json.Marshal(struct {
		Action string      `json:"action"`
		Param  interface{} `json:"param"`
	}{action, param})
	if err != nil {
		panic(err)
	}

	// The protocol requires exactly one line per message.
	message = append(bytes.ReplaceAll(message, []byte("\n"), nil), '\n')
	if _, err := c.out.Write(message); err != nil {
		panic(err)
	}
}

// recv reads one response. The caller must hold mu.
func (c *controlChannel) recv() interface{} {
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			panic(err)
		}
		panic("control connection closed by the Checker Runner")
	}

	var message struct {
		Response interface{} `json:"response"`
	}
	if err := json.Unmarshal(c.in.Bytes(), &message); err != nil {
		panic(err)
	}
	return message.Response
}

// logRelay forwards log output to the Runner. Package log calls Write
// exactly once per logging call.
type logRelay struct{}

func (logRelay) Write(p []byte) (int, error) {
	ctrl.sendOnly(actionLog, struct {
		Message string `json:"message"`
	}{string(bytes.TrimSuffix(p, []byte("\n")))})
	return len(p), nil
}
