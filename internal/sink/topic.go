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
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	log "github.com/sirupsen/logrus"

	"github.com/outboxrelay/outbox-relay/internal/metrics"
	"github.com/outboxrelay/outbox-relay/internal/outbox"
)

// TopicAdapter publishes records to an SNS-style topic. Identical
// algorithm to QueueAdapter, keyed by topic_arn instead of queue_url, per
// spec.md §4.3.
type TopicAdapter struct {
	Client snsiface.SNSAPI
}

// NewTopicAdapter wraps client. A nil client is valid: every topic record
// will be reported failed.
func NewTopicAdapter(client snsiface.SNSAPI) *TopicAdapter {
	return &TopicAdapter{Client: client}
}

// Dispatch implements Adapter.
func (a *TopicAdapter) Dispatch(ctx context.Context, batch outbox.GroupedBatch) (sent, failed []outbox.Record, err error) {
	for topicARN, records := range batch.ByTopicARN {
		if a.Client == nil {
			failed = append(failed, records...)
			metrics.SinkFailed.WithLabelValues("topic").Add(float64(len(records)))
			continue
		}
		for _, chunk := range chunkRecords(records) {
			chunkSent, chunkFailed := a.sendChunk(ctx, topicARN, chunk)
			sent = append(sent, chunkSent...)
			failed = append(failed, chunkFailed...)
			metrics.SinkSent.WithLabelValues("topic").Add(float64(len(chunkSent)))
			metrics.SinkFailed.WithLabelValues("topic").Add(float64(len(chunkFailed)))
		}
	}
	return sent, failed, nil
}

func (a *TopicAdapter) sendChunk(
	ctx context.Context, topicARN string, chunk []outbox.Record,
) (sent, failed []outbox.Record) {
	byID := make(map[string]outbox.Record, len(chunk))
	entries := make([]*sns.PublishBatchRequestEntry, 0, len(chunk))
	for _, rec := range chunk {
		id := rec.IdempotentKey.String()
		byID[id] = rec
		entries = append(entries, &sns.PublishBatchRequestEntry{
			Id:                aws.String(id),
			Message:           aws.String(rec.Payload),
			MessageAttributes: topicMessageAttributes(rec),
		})
	}

	resp, err := a.Client.PublishBatchWithContext(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		log.WithField("topicArn", topicARN).WithError(err).Warn("sns batch publish failed")
		return nil, chunk
	}

	for _, ok := range resp.Successful {
		if rec, found := byID[aws.StringValue(ok.Id)]; found {
			sent = append(sent, rec)
		}
	}
	for _, bad := range resp.Failed {
		if rec, found := byID[aws.StringValue(bad.Id)]; found {
			log.WithFields(log.Fields{
				"topicArn": topicARN,
				"id":       aws.StringValue(bad.Id),
				"code":     aws.StringValue(bad.Code),
			}).Warn(aws.StringValue(bad.Message))
			failed = append(failed, rec)
		}
	}
	return sent, failed
}

func topicMessageAttributes(rec outbox.Record) map[string]*sns.MessageAttributeValue {
	attrs := make(map[string]*sns.MessageAttributeValue, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		attrs[k] = &sns.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	attrs[IdempotentKeyHeader] = &sns.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(rec.IdempotentKey.String()),
	}
	return attrs
}
