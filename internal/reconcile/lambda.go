package reconcile

import (
	"context"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"limitd/internal/bucket"
)

// Handler adapts the processor to a DynamoDB stream invocation: one call
// per batch of stream records.
type Handler struct {
	Processor *Processor
}

// HandleBatch converts the stream records and processes them. It never
// returns an error for per-record failures; the stream should not be
// re-driven for data the batch already isolated.
func (h *Handler) HandleBatch(ctx context.Context, event events.DynamoDBEvent) (Result, error) {
	converted := make([]bucket.ChangeEvent, 0, len(event.Records))
	for _, rec := range event.Records {
		converted = append(converted, bucket.ChangeEvent{
			EventName: rec.EventName,
			Old:       imageFromStream(rec.Change.OldImage),
			New:       imageFromStream(rec.Change.NewImage),
		})
	}
	return h.Processor.Process(ctx, converted), nil
}

// imageFromStream flattens a stream attribute map into the wire image
// form: numbers keep their decimal string rendering, booleans their
// strconv spelling. Nested types never occur on bucket items.
func imageFromStream(attrs map[string]events.DynamoDBAttributeValue) bucket.Image {
	if len(attrs) == 0 {
		return nil
	}
	im := make(bucket.Image, len(attrs))
	for name, av := range attrs {
		switch av.DataType() {
		case events.DataTypeNumber:
			im[name] = av.Number()
		case events.DataTypeString:
			im[name] = av.String()
		case events.DataTypeBoolean:
			im[name] = strconv.FormatBool(av.Boolean())
		}
	}
	return im
}
