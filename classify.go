package resilience

import "errors"

// Outcome labels the result of invoking the wrapped action once it has
// been mapped to {success, transientFailure, permanentFailure}. Retry,
// the circuit breaker, and fallback all consume this label rather than
// inspecting the raw (Response, error) pair themselves.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (o Outcome) IsRetryable() bool { return o == OutcomeTransientFailure }

// Classifier maps a (Response, error) pair to an Outcome. Exactly one of
// resp/err is expected to be non-nil, mirroring the Handler contract.
type Classifier interface {
	Classify(resp *Response, err error) Outcome
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(resp *Response, err error) Outcome

func (f ClassifierFunc) Classify(resp *Response, err error) Outcome { return f(resp, err) }

// transientStatusCodes are the status codes the default HTTP classifier
// treats as transient, per spec.md §4.2.
var transientStatusCodes = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// DefaultClassifier implements the default HTTP classification rules:
// a known network/transport error or a TimeoutError is transient; any
// other error is permanent. A 2xx response is success; the
// transientStatusCodes set is transient; any other 4xx/5xx is permanent.
var DefaultClassifier Classifier = ClassifierFunc(func(resp *Response, err error) Outcome {
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return OutcomeTransientFailure
		}
		if isTransportLikeError(err) {
			return OutcomeTransientFailure
		}
		return OutcomePermanentFailure
	}
	if resp == nil {
		return OutcomePermanentFailure
	}
	if resp.IsSuccess() {
		return OutcomeSuccess
	}
	if transientStatusCodes[resp.StatusCode] {
		return OutcomeTransientFailure
	}
	return OutcomePermanentFailure
})
