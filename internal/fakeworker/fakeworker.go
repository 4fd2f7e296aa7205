// Package fakeworker is a stand-in worker for tests. A test binary re-executes itself with EnvVar
// set and MaybeRun turns it into a worker speaking the line protocol on stdin and stdout.
//
// Like tsserver, every frame it writes is preceded by a Content-Length header and a blank line,
// which readers are expected to skip.
package fakeworker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/procmux/protocol"
)

const EnvVar = "PROCMUX_FAKE_WORKER"

// Commands understood by the fake worker besides "exit". Anything else is echoed back.
const (
	CommandCrash  = "crash"
	CommandFail   = "fail"
	CommandPID    = "pid"
	CommandReload = "reload"
	CommandSlow   = "slow"
	// CommandNoisy writes a long stderr line plus a lot more stderr output before answering.
	CommandNoisy = "noisy"
)

// MaybeRun runs the fake worker and exits if the current process was started as one.
// Call it first thing in TestMain.
func MaybeRun() {
	if os.Getenv(EnvVar) != "1" {
		return
	}
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr))
}

// Command returns the executable and extra environment that start the current binary as a fake worker.
func Command() (string, []string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("finding test executable: %w", err)
	}
	return exe, []string{EnvVar + "=1"}, nil
}

// Run serves requests from in until it is told to exit, crashes on request, or in ends.
func Run(in io.Reader, out io.Writer, errOut io.Writer) int {
	fmt.Fprintf(errOut, "fakeworker %d started\n", os.Getpid())

	write := func(msg *protocol.Message) {
		b, err := protocol.Marshal(msg)
		if err != nil {
			fmt.Fprintf(errOut, "encoding: %s\n", err)
			return
		}
		fmt.Fprintf(out, "Content-Length: %d\r\n\r\n%s", len(b), b)
	}
	respond := func(req *protocol.Message, body interface{}) {
		resp, err := protocol.NewResponse(req.Seq, req.Command, true, body)
		if err != nil {
			fmt.Fprintf(errOut, "encoding: %s\n", err)
			return
		}
		write(resp)
	}

	dec := protocol.NewDecoder(in)
	for {
		req, err := dec.Decode()
		if err == io.EOF {
			return 0
		}
		if err != nil {
			fmt.Fprintf(errOut, "bad frame: %s\n", err)
			continue
		}

		switch req.Command {
		case protocol.CommandExit:
			respond(req, nil)
			return 0
		case CommandCrash:
			return 3
		case CommandFail:
			write(protocol.Failure(req.Seq, req.Command, "requested failure"))
		case CommandPID:
			respond(req, map[string]int{"pid": os.Getpid()})
		case CommandReload:
			respond(req, map[string]bool{"reloadFinished": false})
			write(&protocol.Message{Type: protocol.KindEvent, Event: "projectLoadingFinish"})
			respond(req, map[string]bool{"reloadFinished": true})
		case CommandSlow:
			var args struct {
				MS int `json:"ms"`
			}
			json.Unmarshal(req.Arguments, &args)
			time.Sleep(time.Duration(args.MS) * time.Millisecond)
			respond(req, nil)
		case CommandNoisy:
			errOut.Write(append(bytes.Repeat([]byte("x"), 70000), '\n'))
			line := append(bytes.Repeat([]byte("y"), 999), '\n')
			for i := 0; i < 200; i++ {
				errOut.Write(line)
			}
			respond(req, nil)
		default:
			respond(req, map[string]interface{}{
				"command":   req.Command,
				"arguments": req.Arguments,
			})
		}
	}
}
