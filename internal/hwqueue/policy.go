package hwqueue

import (
	"fmt"
	"time"
)

type policyKind int

const (
	waitForCommand policyKind = iota
	loopImmediately
	waitFor
)

// Policy tells the owner goroutine what to do after an idle action returns.
// The zero value waits for the next command.
type Policy struct {
	kind    policyKind
	timeout time.Duration
}

// LoopImmediately services queued commands and calls the idle action again
// straight away. Used while a device is actively producing data.
func LoopImmediately() Policy { return Policy{kind: loopImmediately} }

// WaitForCommand sleeps until the next command is submitted.
func WaitForCommand() Policy { return Policy{kind: waitForCommand} }

// WaitFor sleeps until a command is submitted or d elapses, whichever comes
// first. A non-positive d behaves like LoopImmediately.
func WaitFor(d time.Duration) Policy {
	if d <= 0 {
		return LoopImmediately()
	}
	return Policy{kind: waitFor, timeout: d}
}

// Timeout is the wait of a WaitFor policy, zero otherwise.
func (p Policy) Timeout() time.Duration { return p.timeout }

func (p Policy) String() string {
	switch p.kind {
	case loopImmediately:
		return "loop"
	case waitFor:
		return fmt.Sprintf("wait %s", p.timeout)
	default:
		return "wait for command"
	}
}

// IdleAction runs on the owner goroutine whenever the queue is empty. An
// error is reported and treated as WaitForCommand.
type IdleAction func() (Policy, error)
