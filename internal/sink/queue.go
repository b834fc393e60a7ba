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

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/metrics"
	"github.com/outboxrelay/outbox-relay/internal/outbox"
)

// QueueAdapter publishes records to an SQS-style queue, grouped by
// queue_url and chunked to the provider's 10-entry batch limit, per
// spec.md §4.3.
type QueueAdapter struct {
	Client sqsiface.SQSAPI
}

// NewQueueAdapter wraps client. A nil client is valid: every queue record
// will be reported failed, per spec.md §4.3 ("If the client is absent").
func NewQueueAdapter(client sqsiface.SQSAPI) *QueueAdapter {
	return &QueueAdapter{Client: client}
}

// Dispatch implements Adapter.
func (a *QueueAdapter) Dispatch(ctx context.Context, batch outbox.GroupedBatch) (sent, failed []outbox.Record, err error) {
	for queueURL, records := range batch.ByQueueURL {
		if a.Client == nil {
			failed = append(failed, records...)
			metrics.SinkFailed.WithLabelValues("queue").Add(float64(len(records)))
			continue
		}
		for _, chunk := range chunkRecords(records) {
			chunkSent, chunkFailed := a.sendChunk(ctx, queueURL, chunk)
			sent = append(sent, chunkSent...)
			failed = append(failed, chunkFailed...)
			metrics.SinkSent.WithLabelValues("queue").Add(float64(len(chunkSent)))
			metrics.SinkFailed.WithLabelValues("queue").Add(float64(len(chunkFailed)))
		}
	}
	return sent, failed, nil
}

func (a *QueueAdapter) sendChunk(
	ctx context.Context, queueURL string, chunk []outbox.Record,
) (sent, failed []outbox.Record) {
	byID := make(map[string]outbox.Record, len(chunk))
	entries := make([]*sqs.SendMessageBatchRequestEntry, 0, len(chunk))
	for _, rec := range chunk {
		id := rec.IdempotentKey.String()
		byID[id] = rec
		entries = append(entries, &sqs.SendMessageBatchRequestEntry{
			Id:                aws.String(id),
			MessageBody:       aws.String(rec.Payload),
			MessageAttributes: messageAttributes(rec),
		})
	}

	resp, err := a.Client.SendMessageBatchWithContext(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})
	if err != nil {
		log.WithField("queueUrl", queueURL).WithError(err).Warn("sqs batch send failed")
		return nil, chunk
	}

	// The provider response carries per-entry outcomes; honor them rather
	// than treating the whole chunk as all-or-nothing, per spec.md §4.3
	// ("Detail: partial chunk failure").
	for _, ok := range resp.Successful {
		if rec, found := byID[aws.StringValue(ok.Id)]; found {
			sent = append(sent, rec)
		}
	}
	for _, bad := range resp.Failed {
		if rec, found := byID[aws.StringValue(bad.Id)]; found {
			log.WithFields(log.Fields{
				"queueUrl": queueURL,
				"id":       aws.StringValue(bad.Id),
				"code":     aws.StringValue(bad.Code),
			}).Warn(aws.StringValue(bad.Message))
			failed = append(failed, rec)
		}
	}
	return sent, failed
}

// messageAttributes builds the provider message attributes from the
// record's headers plus the mandatory x-idempotent-key attribute, per
// spec.md §6.
func messageAttributes(rec outbox.Record) map[string]*sqs.MessageAttributeValue {
	attrs := make(map[string]*sqs.MessageAttributeValue, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		attrs[k] = &sqs.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	attrs[IdempotentKeyHeader] = &sqs.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(rec.IdempotentKey.String()),
	}
	return attrs
}
