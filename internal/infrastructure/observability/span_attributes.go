package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by relay and store spans.
const (
	AttrRoom         = attribute.Key("room")
	AttrRoomSize     = attribute.Key("room.size")
	AttrConnectionID = attribute.Key("connection.id")
	AttrIdeaID       = attribute.Key("idea.id")
	AttrContentBytes = attribute.Key("content.bytes")
)

// RoomAttributes describes a connection in a room.
func RoomAttributes(room, connectionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRoom.String(room),
		AttrConnectionID.String(connectionID),
	}
}

// IdeaAttributes describes a store operation on one idea.
func IdeaAttributes(ideaID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrIdeaID.String(ideaID)}
}

// RecordSpanError marks the span failed with err.
func RecordSpanError(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
