package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"sync"
)

type outcome struct {
	resp *CalculationResponse
	err  error
}

// pendingCall is the completion slot of one in-flight request. It is
// resolved at most once; later attempts are ignored.
type pendingCall struct {
	once sync.Once
	done chan outcome
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan outcome, 1)}
}

func (call *pendingCall) resolve(o outcome) bool {
	resolved := false
	call.once.Do(func() {
		call.done <- o
		resolved = true
	})
	return resolved
}

// pendingTable maps correlation ids to the calls waiting for them. A call
// leaves the table in the same critical section that decides who resolves
// it, so exactly one of response, timeout and shutdown wins.
type pendingTable struct {
	mutex   sync.Mutex
	calls   map[string]*pendingCall
	closing bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (p *pendingTable) register(id string) (*pendingCall, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closing {
		return nil, ErrClosed
	}
	if _, present := p.calls[id]; present {
		return nil, errDuplicateCall
	}
	call := newPendingCall()
	p.calls[id] = call
	return call, nil
}

func (p *pendingTable) deregister(id string) *pendingCall {
	p.mutex.Lock()
	call := p.calls[id]
	delete(p.calls, id)
	p.mutex.Unlock()
	return call
}

// complete hands resp to the call registered under id. It returns false
// when no call is waiting for id.
func (p *pendingTable) complete(id string, resp *CalculationResponse) bool {
	call := p.deregister(id)
	if call == nil {
		return false
	}
	return call.resolve(outcome{resp: resp})
}

// fail resolves every pending call with err and empties the table.
func (p *pendingTable) fail(err error) int {
	p.mutex.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mutex.Unlock()

	for _, call := range calls {
		call.resolve(outcome{err: err})
	}
	return len(calls)
}

// close fails every pending call with ErrClosed and refuses new ones.
func (p *pendingTable) close() int {
	p.mutex.Lock()
	p.closing = true
	p.mutex.Unlock()
	return p.fail(ErrClosed)
}

func (p *pendingTable) len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.calls)
}
