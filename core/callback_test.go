// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/absmach/fluxrule/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type countingCallback struct {
	success atomic.Int32
	failure atomic.Int32
	lastErr atomic.Value
}

func (c *countingCallback) OnSuccess() { c.success.Add(1) }

func (c *countingCallback) OnFailure(err error) {
	c.failure.Add(1)
	c.lastErr.Store(err)
}

func TestOnceCallback(t *testing.T) {
	cb := &countingCallback{}
	once := core.OnceCallback(cb)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				once.OnSuccess()
				return
			}
			once.OnFailure(errors.New("boom"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), cb.success.Load()+cb.failure.Load())
	assert.Same(t, once, core.OnceCallback(once))
}

func TestMultiCallback(t *testing.T) {
	t.Run("all branches succeed", func(t *testing.T) {
		cb := &countingCallback{}
		multi := core.MultiCallback(3, cb)
		multi.OnSuccess()
		multi.OnSuccess()
		assert.Equal(t, int32(0), cb.success.Load())
		multi.OnSuccess()
		assert.Equal(t, int32(1), cb.success.Load())
	})

	t.Run("failure wins", func(t *testing.T) {
		cb := &countingCallback{}
		multi := core.MultiCallback(2, cb)
		errBranch := errors.New("branch failed")
		multi.OnSuccess()
		multi.OnFailure(errBranch)
		multi.OnSuccess()
		assert.Equal(t, int32(0), cb.success.Load())
		assert.Equal(t, int32(1), cb.failure.Load())
		assert.Equal(t, errBranch, cb.lastErr.Load())
	})
}

func TestChanCallback(t *testing.T) {
	ch := make(chan core.Result, 1)
	id := uuid.New()
	cb := core.ChanCallback(id, ch)

	cb.OnFailure(errors.New("first"))
	cb.OnSuccess()

	res := <-ch
	assert.Equal(t, id, res.MsgID)
	assert.EqualError(t, res.Err, "first")
	assert.Empty(t, ch)
}
