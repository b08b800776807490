// lockmap is a sharded lock map used for per-inode locks.
//
// The API behaves as if there were a lock for every possible uint32
// slot number: Acquire(n) takes the lock for slot n and Release(n)
// drops it. The implementation keeps a fixed set of shards instead of
// a lock per slot; shard i owns the state of every n with n % NSHARD
// == i, so operations on different inodes rarely contend.
package lockmap

import (
	"sync"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint32
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint32]*lockState
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	return &lockShard{
		mu:    mu,
		state: make(map[uint32]*lockState),
	}
}

func (shard *lockShard) acquire(n uint32) {
	shard.mu.Lock()
	for {
		state, ok := shard.state[n]
		if !ok {
			state = &lockState{cond: sync.NewCond(shard.mu)}
			shard.state[n] = state
		}
		if !state.held {
			state.held = true
			break
		}
		state.waiters++
		state.cond.Wait()
		if state2, ok := shard.state[n]; ok {
			state2.waiters--
		}
	}
	shard.mu.Unlock()
}

func (shard *lockShard) release(n uint32) {
	shard.mu.Lock()
	state := shard.state[n]
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, n)
	}
	shard.mu.Unlock()
}

const NSHARD uint32 = 17

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint32(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) Acquire(n uint32) {
	lmap.shards[n%NSHARD].acquire(n)
}

func (lmap *LockMap) Release(n uint32) {
	lmap.shards[n%NSHARD].release(n)
}
