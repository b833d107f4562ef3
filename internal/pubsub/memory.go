// SPDX-License-Identifier: AGPL-3.0-or-later
// scrutinyd - Scrutiny device-facing core server
// Copyright (C) 2026 The scrutinyd authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package pubsub

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

const inMemoryChannelBuffer = 16

func makeInMemoryPubSub() PubSub {
	return &inMemoryPubSub{
		subs: xsync.NewMap[string, *xsync.Map[*inMemorySubscription, struct{}]](),
	}
}

type inMemoryPubSub struct {
	subs *xsync.Map[string, *xsync.Map[*inMemorySubscription, struct{}]]
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	topicSubs, ok := ps.subs.Load(topic)
	if !ok {
		return nil
	}
	topicSubs.Range(func(sub *inMemorySubscription, _ struct{}) bool {
		select {
		case sub.ch <- message:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
		return true
	})
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	topicSubs, _ := ps.subs.LoadOrCompute(topic, func() (*xsync.Map[*inMemorySubscription, struct{}], bool) {
		return xsync.NewMap[*inMemorySubscription, struct{}](), false
	})
	sub := &inMemorySubscription{
		ch:    make(chan []byte, inMemoryChannelBuffer),
		topic: topic,
		subs:  topicSubs,
	}
	topicSubs.Store(sub, struct{}{})
	return sub
}

func (ps *inMemoryPubSub) Close() error {
	return nil
}

type inMemorySubscription struct {
	ch       chan []byte
	topic    string
	subs     *xsync.Map[*inMemorySubscription, struct{}]
	closeErr error
	once     sync.Once
}

func (s *inMemorySubscription) Close() error {
	s.once.Do(func() {
		s.subs.Delete(s)
		close(s.ch)
	})
	return s.closeErr
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}
