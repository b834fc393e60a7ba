// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package outbox contains the data types and the concurrency-coordinating
// Record Store, Dispatch Loop, and Lock Janitor that implement the
// transactional outbox relay.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DestinationKind discriminates the tagged Destination union. Destinations
// are stored as an untagged JSON object in the outbox table; Kind is
// computed at unmarshal time by inspecting which key is present, never by
// field order.
type DestinationKind int

const (
	// DestinationHTTP sends the record payload as an HTTP request body.
	DestinationHTTP DestinationKind = iota
	// DestinationQueue publishes the record to an SQS-style queue.
	DestinationQueue
	// DestinationTopic publishes the record to an SNS-style topic.
	DestinationTopic
)

// Destination is one delivery target attached to a Record. Exactly one of
// URL, QueueURL, or TopicARN is set; Kind reports which.
type Destination struct {
	Kind DestinationKind

	// Http fields.
	URL     string
	Method  string
	Headers map[string]string

	// Queue field.
	QueueURL string

	// Topic field.
	TopicARN string
}

// destinationWire is the on-disk JSON shape: an untagged union
// disambiguated by key presence, per spec.md §6.
type destinationWire struct {
	URL      string            `json:"url,omitempty"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	QueueURL string            `json:"queue_url,omitempty"`
	TopicARN string            `json:"topic_arn,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (d Destination) MarshalJSON() ([]byte, error) {
	w := destinationWire{
		URL:      d.URL,
		Method:   d.Method,
		Headers:  d.Headers,
		QueueURL: d.QueueURL,
		TopicARN: d.TopicARN,
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. It discriminates the variant
// by key presence rather than relying on any serializer's field-order
// behavior, per spec.md §9 ("Untagged sum serialization").
func (d *Destination) UnmarshalJSON(data []byte) error {
	var w destinationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decoding destination")
	}
	switch {
	case w.QueueURL != "":
		d.Kind = DestinationQueue
		d.QueueURL = w.QueueURL
	case w.TopicARN != "":
		d.Kind = DestinationTopic
		d.TopicARN = w.TopicARN
	case w.URL != "":
		d.Kind = DestinationHTTP
		d.URL = w.URL
		d.Method = w.Method
		d.Headers = w.Headers
	default:
		return errors.New("destination has none of url, queue_url, topic_arn")
	}
	return nil
}

// Record is one row of the outbox table.
type Record struct {
	IdempotentKey uuid.UUID
	PartitionKey  uuid.UUID
	Destinations  []Destination
	Headers       map[string]string
	Payload       string
	Attempts      int
	CreatedAt     time.Time
	ProcessAfter  time.Time
	ProcessedAt   *time.Time
}

// HasDestinationKind reports whether r carries at least one destination of
// the given kind.
func (r Record) HasDestinationKind(kind DestinationKind) bool {
	for _, d := range r.Destinations {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// PartitionLock is one row of the outbox_lock table.
type PartitionLock struct {
	PartitionKey    uuid.UUID
	LockID          uuid.UUID
	ProcessingUntil time.Time
	ProcessedAt     *time.Time
}

// CleanerSchedule is the single-row outbox_cleaner_schedule table.
type CleanerSchedule struct {
	CronExpression string
	LastExecution  time.Time
}

// GroupedBatch buckets a batch of Records by destination kind, per
// spec.md §3 ("Grouped batch (in-memory)"). A record appears once per
// queue or topic destination in the matching map, and once in HTTP if it
// has one or more HTTP destinations.
type GroupedBatch struct {
	// ByQueueURL maps queue_url to the records destined for it.
	ByQueueURL map[string][]Record
	// ByTopicARN maps topic_arn to the records destined for it.
	ByTopicARN map[string][]Record
	// HTTP holds every record with at least one HTTP destination.
	HTTP []Record
}

// GroupBatch buckets batch by destination kind.
func GroupBatch(batch []Record) GroupedBatch {
	g := GroupedBatch{
		ByQueueURL: make(map[string][]Record),
		ByTopicARN: make(map[string][]Record),
	}
	for _, rec := range batch {
		sawHTTP := false
		for _, d := range rec.Destinations {
			switch d.Kind {
			case DestinationQueue:
				g.ByQueueURL[d.QueueURL] = append(g.ByQueueURL[d.QueueURL], rec)
			case DestinationTopic:
				g.ByTopicARN[d.TopicARN] = append(g.ByTopicARN[d.TopicARN], rec)
			case DestinationHTTP:
				sawHTTP = true
			}
		}
		if sawHTTP {
			g.HTTP = append(g.HTTP, rec)
		}
	}
	return g
}

// RecordSet is a set of records keyed by IdempotentKey, used to compute
// the success/failure difference described in spec.md §4.2 step 4-5.
type RecordSet map[uuid.UUID]Record

// NewRecordSet builds a RecordSet from a slice of records.
func NewRecordSet(records []Record) RecordSet {
	s := make(RecordSet, len(records))
	for _, r := range records {
		s[r.IdempotentKey] = r
	}
	return s
}

// Subtract returns the records in s that are not present in other.
func (s RecordSet) Subtract(other RecordSet) []Record {
	out := make([]Record, 0, len(s))
	for key, rec := range s {
		if _, found := other[key]; !found {
			out = append(out, rec)
		}
	}
	return out
}

// PartitionKeys returns the distinct partition keys referenced by records.
func PartitionKeys(records []Record) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(records))
	out := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.PartitionKey]; !ok {
			seen[r.PartitionKey] = struct{}{}
			out = append(out, r.PartitionKey)
		}
	}
	return out
}

// IdempotentKeys returns the idempotent keys of records.
func IdempotentKeys(records []Record) []uuid.UUID {
	out := make([]uuid.UUID, len(records))
	for i, r := range records {
		out[i] = r.IdempotentKey
	}
	return out
}
