// Package testing provides test utilities for the nvstore packages.
//
// Flash completions arrive on the device worker goroutine, so tests that
// assert from more than one goroutine collect errors through GoroutineTest
// instead of calling t.Fatal off the test goroutine.
package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

// GoroutineTest runs functions concurrently and reports their errors on
// the test goroutine when Wait is called.
//
//	gt := testing.NewGoroutineTest(t)
//	for i := range 4 {
//	    gt.Go(func() error { return s.Update(i) })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t    *testing.T
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a GoroutineTest bound to t.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return &GoroutineTest{t: t}
}

// Go runs fn in a new goroutine.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait blocks until every goroutine returned and fails the test if any
// of them reported an error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) == 0 {
		return
	}
	for i, err := range gt.errs {
		gt.t.Errorf("goroutine error [%d/%d]: %v", i+1, len(gt.errs), err)
	}
	gt.t.FailNow()
}

// Eventually polls condition every interval until it holds or timeout
// expires.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// WaitClosed waits for ch to be closed, as returned by Device.Idle.
func WaitClosed(ch <-chan struct{}, timeout time.Duration) error {
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("channel not closed within %v", timeout)
	}
}

// Filled returns a block of size bytes set to b.
func Filled(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}

// Erased returns a block in the erased flash state.
func Erased(size int) []byte {
	return Filled(size, 0xFF)
}

// IsErased reports whether every byte of buf is 0xFF.
func IsErased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}
