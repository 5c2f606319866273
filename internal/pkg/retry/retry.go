// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides small bounded-backoff helpers used wherever the
// core must wait on an external resource to become ready: a loop device
// appearing under /dev, an NBD export answering ready, a device-mapper node
// appearing after LVM activation or a LUKS open.
package retry

import (
	"fmt"
	"time"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/ssahani/guestkit-sub004", "retry")

// Retry calls function f until it has been called attempts times, or succeeds.
// Retry delays for delay between calls of f. If f does not succeed after
// attempts calls, the error from the last call is returned.
func Retry(attempts int, delay time.Duration, f func() error) error {
	return RetryConditional(attempts, delay, func(_ error) bool { return true }, f)
}

// RetryConditional calls function f until it has been called attempts times, or succeeds.
// Retry delays for delay between calls of f. If f does not succeed after
// attempts calls, the error from the last call is returned.
// If shouldRetry returns false on the error generated, RetryConditional stops immediately
// and returns the error.
func RetryConditional(attempts int, delay time.Duration, shouldRetry func(err error) bool, f func() error) error {
	var err error

	for i := 0; i < attempts; i++ {
		err = f()
		if err == nil || !shouldRetry(err) {
			break
		}

		if i < attempts-1 {
			time.Sleep(delay)
		}
	}

	return err
}

// RetryUntilTimeout calls function f until it succeeds or until
// the given timeout is reached. It will wait a given amount of time
// between each try based on the given delay.
func RetryUntilTimeout(timeout, delay time.Duration, f func() error) error {
	after := time.After(timeout)
	for {
		select {
		case <-after:
			return fmt.Errorf("time limit exceeded")
		default:
		}
		// Log how long it took the function to run, useful when tracking
		// down why a loop/NBD bind is slow to settle.
		start := time.Now()
		err := f()
		plog.Debugf("RetryUntilTimeout: f() took %v", time.Since(start))
		if err == nil {
			break
		}
		time.Sleep(delay)
	}
	return nil
}

// WaitUntilReadyExponential polls checkFunction with exponentially
// increasing delay — doubling after every miss, capped at maxDelay —
// until it reports done, returns an error, or timeout elapses. A caller
// whose check is typically satisfied within a few milliseconds (a device
// node appearing) but occasionally takes much longer wastes fewer cycles
// than either a tight fixed poll or an unnecessarily long one.
func WaitUntilReadyExponential(timeout, initialDelay, maxDelay time.Duration, checkFunction func() (bool, error)) error {
	after := time.After(timeout)
	delay := initialDelay
	for {
		select {
		case <-after:
			return fmt.Errorf("time limit exceeded")
		default:
		}

		start := time.Now()
		done, err := checkFunction()
		plog.Debugf("WaitUntilReadyExponential: checkFunction took %v", time.Since(start))
		if err != nil {
			return err
		}
		if done {
			break
		}
		time.Sleep(delay)
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil
}

// WaitUntilReady polls checkFunction every delay until it reports done,
// returns an error, or timeout elapses.
func WaitUntilReady(timeout, delay time.Duration, checkFunction func() (bool, error)) error {
	after := time.After(timeout)
	for {
		select {
		case <-after:
			return fmt.Errorf("time limit exceeded")
		default:
		}

		// Log how long it took checkFunction to run, useful when tracking
		// down slow device-node appearance under load.
		start := time.Now()
		done, err := checkFunction()
		plog.Debugf("WaitUntilReady: checkFunction took %v", time.Since(start))
		if err != nil {
			return err
		}
		if done {
			break
		}
		time.Sleep(delay)
	}
	return nil
}
