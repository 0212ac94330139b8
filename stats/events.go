// Copyright 2024 The Proxy Magic Authors
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

package stats

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType tags an event for the external UI.
type EventType string

// The closed set of event types published on the stream.
const (
	EventRequest  EventType = "REQUEST"
	EventResponse EventType = "RESPONSE"
	EventError    EventType = "ERROR"
	EventRule     EventType = "RULE"
	EventSystem   EventType = "SYSTEM"
	EventStats    EventType = "STATS"
)

// Metadata carries the optional transaction details of an event.
// Zero-valued fields are omitted on the wire.
type Metadata struct {
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	Status int    `json:"status,omitempty"`
	Rule   string `json:"rule,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Event is one record on the structured stream consumed by the UI.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Metadata  Metadata  `json:"metadata"`
}

// Sink fans events out to subscribers. When no subscriber is attached
// (the usual case without the UI), events are logged instead, gated by
// the logger's level so that debug-only chatter stays quiet.
type Sink struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs []chan Event
}

// NewSink returns a sink that logs events through log until a
// subscriber attaches.
func NewSink(log *zap.Logger) *Sink {
	return &Sink{log: log}
}

// Subscribe attaches a consumer and returns its channel plus a cancel
// function. Slow consumers drop events rather than stalling the
// transaction workers.
func (s *Sink) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Emit publishes an event. Never blocks.
func (s *Sink) Emit(typ EventType, msg string, md Metadata) {
	ev := Event{Timestamp: time.Now(), Type: typ, Message: msg, Metadata: md}

	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()

	if len(subs) > 0 {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
		return
	}

	fields := []zap.Field{zap.String("type", string(typ))}
	if md.URL != "" {
		fields = append(fields, zap.String("url", md.URL))
	}
	if md.Method != "" {
		fields = append(fields, zap.String("method", md.Method))
	}
	if md.Status != 0 {
		fields = append(fields, zap.Int("status", md.Status))
	}
	if md.Rule != "" {
		fields = append(fields, zap.String("rule", md.Rule))
	}
	if md.Domain != "" {
		fields = append(fields, zap.String("domain", md.Domain))
	}

	switch typ {
	case EventError:
		s.log.Error(msg, fields...)
	case EventRequest, EventResponse:
		s.log.Debug(msg, fields...)
	default:
		s.log.Info(msg, fields...)
	}
}
