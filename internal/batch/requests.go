package batch

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/remote"
)

const defaultCalendar = "primary"

// BuildRequests renders one sub-request per item.
func BuildRequests(opType operation.OperationType, meta operation.Metadata, items []operation.Item) []remote.SubRequest {
	reqs := make([]remote.SubRequest, len(items))
	for i, item := range items {
		reqs[i] = buildRequest(opType, meta, item)
	}

	return reqs
}

func buildRequest(opType operation.OperationType, meta operation.Metadata, item operation.Item) remote.SubRequest {
	cal := url.PathEscape(calendarFor(meta, item))
	events := fmt.Sprintf("/calendars/%s/events", cal)

	switch opType {
	case operation.CopyOperation:
		return remote.SubRequest{Method: http.MethodPost, URL: events, Body: bodyOf(item)}
	case operation.DeleteOperation:
		return remote.SubRequest{Method: http.MethodDelete, URL: events + "/" + url.PathEscape(item.ID)}
	default:
		return remote.SubRequest{Method: http.MethodPatch, URL: events + "/" + url.PathEscape(item.ID), Body: bodyOf(item)}
	}
}

func calendarFor(meta operation.Metadata, item operation.Item) string {
	switch {
	case item.CalendarID != "":
		return item.CalendarID
	case len(meta.CalendarIDs) > 0 && meta.CalendarIDs[0] != "":
		return meta.CalendarIDs[0]
	default:
		return defaultCalendar
	}
}

func bodyOf(item operation.Item) map[string]any {
	if item.Body != nil {
		return item.Body
	}

	return map[string]any{}
}

// estimateBytes approximates the buffer held for items while a chunk is in
// flight.
func estimateBytes(items []operation.Item) int64 {
	var n int64
	for _, item := range items {
		n += 256 + int64(len(item.ID)+len(item.CalendarID))
		n += int64(64 * len(item.Body))
	}

	return n
}
