package kurrentdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/alibi-app/alibi/internal/evidence"
	"github.com/alibi-app/alibi/internal/shared/types"
)

const streamPrefix = "evidence-"

// Publisher appends evidence lifecycle events to one stream per record, so
// the "$ce-evidence" category stream carries the whole history.
type Publisher struct {
	client *Client
}

// NewPublisher creates a KurrentDB-backed evidence.Publisher.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Publish appends the event to the record's stream.
func (p *Publisher) Publish(ctx context.Context, event evidence.Event) error {
	data, err := eventData(event)
	if err != nil {
		return err
	}

	_, err = p.client.DB().AppendToStream(ctx, streamName(event.RecordID), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, data)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

type eventMetadata struct {
	Source  string `json:"source"`
	OwnerID string `json:"owner_id"`
}

func eventData(event evidence.Event) (esdb.EventData, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return esdb.EventData{}, fmt.Errorf("failed to marshal event data: %w", err)
	}

	metadata, err := json.Marshal(eventMetadata{Source: "alibi", OwnerID: event.OwnerID.String()})
	if err != nil {
		return esdb.EventData{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	// Event ids make appends idempotent on the server
	id, err := uuid.Parse(event.ID.String())
	if err != nil {
		id = uuid.New()
	}

	return esdb.EventData{
		EventID:     id,
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    metadata,
	}, nil
}

func streamName(recordID types.ID) string {
	return streamPrefix + recordID.String()
}
