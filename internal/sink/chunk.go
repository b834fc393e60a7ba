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

package sink

import "github.com/outboxrelay/outbox-relay/internal/outbox"

// batchEntryLimit is the provider batch limit shared by SQS and SNS batch
// publish calls, per spec.md §4.3.
const batchEntryLimit = 10

// chunkRecords splits records into groups of at most batchEntryLimit.
func chunkRecords(records []outbox.Record) [][]outbox.Record {
	var chunks [][]outbox.Record
	for len(records) > 0 {
		n := batchEntryLimit
		if n > len(records) {
			n = len(records)
		}
		chunks = append(chunks, records[:n])
		records = records[n:]
	}
	return chunks
}
