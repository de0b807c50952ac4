// Copyright 2024 Lix Authors
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

// Package events delivers committed changes to in-process subscribers.
//
// Delivery is synchronous and ordered: Publish returns after every matching
// handler has run, so caches updated by handlers are current when the
// publishing operation returns.
package events

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"lix/internal/storage"
)

var (
	ErrBusClosed      = errors.New("bus is closed")
	ErrInvalidHandler = errors.New("handler cannot be nil")
)

// Handler receives the changes of one publish call that match its filter.
type Handler func(changes []*storage.Change) error

// Filter selects the changes a subscription receives. An empty filter
// matches every change.
type Filter struct {
	SchemaKeys []string
}

func (f Filter) matches(c *storage.Change) bool {
	if len(f.SchemaKeys) == 0 {
		return true
	}
	for _, k := range f.SchemaKeys {
		if k == c.SchemaKey {
			return true
		}
	}
	return false
}

// Bus fans changes out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed atomic.Bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscription is an active registration on a Bus.
type Subscription struct {
	bus     *Bus
	filter  Filter
	handler Handler
	active  atomic.Bool
}

// Subscribe registers handler for changes matching filter.
func (b *Bus) Subscribe(filter Filter, handler Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	sub := &Subscription{bus: b, filter: filter, handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.subs {
		if other == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// Publish delivers changes to every matching subscriber in subscription
// order. Handler errors are joined and returned; every handler still runs.
func (b *Bus) Publish(changes []*storage.Change) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(changes) == 0 {
		return nil
	}

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		var matched []*storage.Change
		for _, c := range changes {
			if sub.filter.matches(c) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if err := sub.handler(matched); err != nil {
			log.Debugf("[Events] handler failed changes=%d err=%v", len(matched), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops every subscription. Further calls fail with ErrBusClosed.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return ErrBusClosed
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.mu.Unlock()
	return nil
}
