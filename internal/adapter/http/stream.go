package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/neomorfeo/subflow/internal/eventbus"
)

// StreamInput carries the client's last applied sequence per subscription.
type StreamInput struct {
	Cursor string `query:"cursor" required:"false" doc:"Comma-separated subscriptionId:sequence pairs already applied"`
}

// StreamError is sent as the last message when the stream cannot continue.
type StreamError struct {
	Message string `json:"message"`
}

func registerStream(api huma.API, h *handler) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/events/stream",
		Summary:     "Stream subscription events",
		Description: "Replays events after the cursor, then delivers live events. Admins receive every subscription, clients their own.",
		Tags:        []string{"Events"},
		Security:    bearerAuth,
	}, map[string]any{
		"event": EventResponse{},
		"error": StreamError{},
	}, h.stream)
}

func (h *handler) stream(ctx context.Context, input *StreamInput, send sse.Sender) {
	cursor, err := parseCursor(input.Cursor)
	if err != nil {
		_ = send.Data(StreamError{Message: err.Error()})
		return
	}

	st, err := h.sync.Connect(ctx, eventbus.InterestFor(principal(ctx)), cursor)
	if err != nil {
		_ = send.Data(StreamError{Message: "replay failed"})
		return
	}
	defer st.Close()

	for {
		e, err := st.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, eventbus.ErrSessionClosed) {
				_ = send.Data(StreamError{Message: "stream interrupted"})
			}
			return
		}
		if err := send.Data(toEventResponse(e)); err != nil {
			return
		}
	}
}

// parseCursor reads "sub_a:5,sub_b:2".
func parseCursor(raw string) (eventbus.Cursor, error) {
	cursor := eventbus.Cursor{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, seq, ok := strings.Cut(pair, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("cursor entry %q: want subscriptionId:sequence", pair)
		}
		n, err := strconv.ParseInt(seq, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("cursor entry %q: invalid sequence", pair)
		}
		cursor[id] = n
	}
	return cursor, nil
}
