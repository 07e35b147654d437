package display

import (
	"context"
	"errors"
	"sync"
)

// Buffer is an in-memory Surface that records every posted message.
type Buffer struct {
	mu          sync.Mutex
	messages    []string
	placeholder int
	started     bool
	edits       int
}

func (b *Buffer) Start(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, text)
	b.placeholder = len(b.messages) - 1
	b.started = true
	return nil
}

func (b *Buffer) Edit(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("display: edit before start")
	}
	b.messages[b.placeholder] = text
	b.edits++
	return nil
}

func (b *Buffer) Send(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, text)
	return nil
}

// Messages returns a copy of the posted messages in order.
func (b *Buffer) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

// Answer returns the placeholder message and every message sent after it.
func (b *Buffer) Answer() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	return append([]string(nil), b.messages[b.placeholder:]...)
}

// Notices returns the messages sent before the placeholder was posted.
func (b *Buffer) Notices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return append([]string(nil), b.messages...)
	}
	return append([]string(nil), b.messages[:b.placeholder]...)
}

// Edits returns how many times the placeholder was edited.
func (b *Buffer) Edits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.edits
}
