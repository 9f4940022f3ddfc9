package gateway

import "github.com/dgfacade/gateway/internal/model"

// wireRequestBody is the §6 JSON request envelope, decoded straight off
// REST or WebSocket and normalized into a model.Request.
type wireRequestBody struct {
	RequestID           string   `json:"request_id"`
	RequestType         string   `json:"request_type"`
	APIKey              string   `json:"api_key"`
	Payload             model.Payload `json:"payload"`
	DeliveryDestination string   `json:"delivery_destination,omitempty"`
	TTLMinutes          float64  `json:"ttl_minutes"`
	ResponseChannels    []string `json:"response_channels,omitempty"`
	ResponseTopic       string   `json:"response_topic,omitempty"`
	IsStreaming         bool     `json:"is_streaming,omitempty"`
}

func (w wireRequestBody) toModel() *model.Request {
	channels := make(map[model.ResponseChannel]struct{}, len(w.ResponseChannels))
	for _, c := range w.ResponseChannels {
		channels[model.ResponseChannel(c)] = struct{}{}
	}
	ttl := w.TTLMinutes
	if ttl == 0 {
		ttl = 30
	}
	return &model.Request{
		RequestID:           w.RequestID,
		RequestType:         w.RequestType,
		APIKey:              w.APIKey,
		Payload:             w.Payload,
		DeliveryDestination: w.DeliveryDestination,
		TTLMinutes:          ttl,
		ResponseChannels:    channels,
		ResponseTopic:       w.ResponseTopic,
		IsStreaming:         w.IsStreaming,
	}
}

// wireResponse is the §6 JSON response envelope.
type wireResponse struct {
	RequestID         string        `json:"request_id"`
	Status            string        `json:"status"`
	Data              model.Payload `json:"data,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	HandlerID         string        `json:"handler_id,omitempty"`
	ExecutionTimeMS   int64         `json:"execution_time_ms"`
	IsStreamingUpdate bool          `json:"is_streaming_update,omitempty"`
	SequenceNumber    int64         `json:"sequence_number,omitempty"`
}

func wireFromResponse(r *model.Response) wireResponse {
	return wireResponse{
		RequestID:         r.RequestID,
		Status:            string(r.Status),
		Data:              r.Data,
		ErrorMessage:      r.ErrorMessage,
		HandlerID:         r.HandlerID,
		ExecutionTimeMS:   r.ExecutionTimeMS,
		IsStreamingUpdate: r.IsStreamingUpdate,
		SequenceNumber:    r.SequenceNumber,
	}
}
