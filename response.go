package resilience

import "time"

// Response is an effectively-immutable HTTP response value. Its body is
// either buffered (a byte slice, possibly nil) or streaming (a
// single-consumer BodyStream); exactly one of the two is set.
type Response struct {
	StatusCode int
	headers    Header
	buffered   []byte
	hasBuffer  bool
	stream     *BodyStream
	Duration   time.Duration
}

// NewBufferedResponse builds a Response with a fully-materialized body.
func NewBufferedResponse(status int, headers Header, body []byte) *Response {
	return &Response{
		StatusCode: status,
		headers:    headers.Clone(),
		buffered:   body,
		hasBuffer:  true,
	}
}

// NewStreamingResponse builds a Response whose body must be consumed via
// Stream exactly once.
func NewStreamingResponse(status int, headers Header, stream *BodyStream) *Response {
	return &Response{
		StatusCode: status,
		headers:    headers.Clone(),
		stream:     stream,
	}
}

// Headers returns a defensive copy of the response headers.
func (r *Response) Headers() Header { return r.headers.Clone() }

// HeaderValue returns a single header value, case-insensitively.
func (r *Response) HeaderValue(key string) (string, bool) {
	return r.headers.Get(key)
}

func (r *Response) IsSuccess() bool     { return r.StatusCode >= 200 && r.StatusCode <= 299 }
func (r *Response) IsRedirect() bool    { return r.StatusCode >= 300 && r.StatusCode <= 399 }
func (r *Response) IsClientError() bool { return r.StatusCode >= 400 && r.StatusCode <= 499 }
func (r *Response) IsServerError() bool { return r.StatusCode >= 500 && r.StatusCode <= 599 }

// IsStreaming reports whether the body is a BodyStream rather than a
// buffered byte slice.
func (r *Response) IsStreaming() bool { return r.stream != nil }

// BufferedBody returns the buffered body, or nil if the response is
// streaming or carries no body. Callers that need the bytes of a
// streaming response must call ToBuffered first.
func (r *Response) BufferedBody() []byte {
	if r.hasBuffer {
		return r.buffered
	}
	return nil
}

// Stream returns the underlying BodyStream, marking it consumed. A
// second call on the same Response (or any copy sharing the same
// BodyStream) returns ErrStreamConsumed.
func (r *Response) Stream() (*BodyStream, error) {
	if r.stream == nil {
		return nil, nil
	}
	if err := r.stream.markConsumed(); err != nil {
		return nil, err
	}
	return r.stream, nil
}

// ToBuffered drains a streaming body and returns a new buffered Response
// with identical status, headers, and duration. Calling ToBuffered on an
// already-buffered Response returns a shallow copy with no error. This
// method itself counts as the stream's single consumption; calling it
// twice returns ErrStreamConsumed the second time.
func (r *Response) ToBuffered() (*Response, error) {
	if r.hasBuffer {
		return &Response{
			StatusCode: r.StatusCode,
			headers:    r.headers.Clone(),
			buffered:   r.buffered,
			hasBuffer:  true,
			Duration:   r.Duration,
		}, nil
	}
	stream, err := r.Stream()
	if err != nil {
		return nil, err
	}
	body, err := stream.drain()
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: r.StatusCode,
		headers:    r.headers.Clone(),
		buffered:   body,
		hasBuffer:  true,
		Duration:   r.Duration,
	}, nil
}

// WithDuration returns a shallow copy of r carrying d as its measured
// pipeline duration. Used by the terminal and outer stages to stamp
// elapsed time without mutating a Response in place.
func (r *Response) WithDuration(d time.Duration) *Response {
	out := *r
	out.headers = r.headers.Clone()
	out.Duration = d
	return &out
}
