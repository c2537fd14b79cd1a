package testutil

import (
	"context"
	"sync"

	"rewind/internal/rewind"
)

// StubPrompter answers every question with Answer and records the questions.
type StubPrompter struct {
	mu        sync.Mutex
	Answer    bool
	Err       error
	questions []string
}

var _ rewind.Prompter = (*StubPrompter)(nil)

func NewStubPrompter(answer bool) *StubPrompter {
	return &StubPrompter{Answer: answer}
}

func (p *StubPrompter) Confirm(ctx context.Context, question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.questions = append(p.questions, question)
	if p.Err != nil {
		return false, p.Err
	}
	return p.Answer, nil
}

// Questions returns the questions asked so far.
func (p *StubPrompter) Questions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.questions...)
}

// StubLocker is an in-process lock. Held simulates another invocation
// holding the lock.
type StubLocker struct {
	mu       sync.Mutex
	Held     bool
	locked   bool
	Acquired int
	Released int
}

var _ rewind.Locker = (*StubLocker)(nil)

func (l *StubLocker) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Held || l.locked {
		return false, nil
	}
	l.locked = true
	l.Acquired++
	return true, nil
}

func (l *StubLocker) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	l.Released++
	return nil
}

// Locked reports whether the lock is currently held by this process.
func (l *StubLocker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
