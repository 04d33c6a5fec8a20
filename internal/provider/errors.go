package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"panther/internal/models"
	"panther/internal/privacy"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindConfig      Kind = "config"
	KindTransport   Kind = "transport"
	KindHTTP        Kind = "http"
	KindDecode      Kind = "decode"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindRefusal     Kind = "refusal"
	KindEmptyShort  Kind = "empty_short"
	KindUnsupported Kind = "unsupported"
	KindInternal    Kind = "internal"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConfig      = errors.New("provider configuration error")
	ErrTransport   = errors.New("provider transport error")
	ErrHTTP        = errors.New("provider http error")
	ErrDecode      = errors.New("provider response could not be decoded")
	ErrTimeout     = errors.New("provider call timed out")
	ErrCancelled   = errors.New("provider call cancelled")
	ErrRefusal     = errors.New("provider refused the request")
	ErrEmptyShort  = errors.New("provider reply was empty or too short")
	ErrUnsupported = errors.New("unsupported provider operation")
	ErrInternal    = errors.New("internal pipeline error")
)

var kindSentinels = map[Kind]error{
	KindConfig:      ErrConfig,
	KindTransport:   ErrTransport,
	KindHTTP:        ErrHTTP,
	KindDecode:      ErrDecode,
	KindTimeout:     ErrTimeout,
	KindCancelled:   ErrCancelled,
	KindRefusal:     ErrRefusal,
	KindEmptyShort:  ErrEmptyShort,
	KindUnsupported: ErrUnsupported,
	KindInternal:    ErrInternal,
}

// BodyExcerptLimit bounds the response body kept on an Http error.
const BodyExcerptLimit = 512

// Fatal reports whether a failure of this kind must never be retried.
func (k Kind) Fatal() bool {
	switch k {
	case KindUnsupported, KindDecode, KindInternal, KindConfig, KindCancelled:
		return true
	}
	return false
}

// Error is the typed failure returned by adapters and the executor.
type Error struct {
	Kind     Kind
	Provider models.ProviderType
	Status   int
	// Body is a sanitized excerpt of the upstream response.
	Body string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	b.WriteString(kindSentinels[e.Kind].Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	switch {
	case e.Kind == KindDecode || e.Kind == KindInternal:
		// details stay behind Unwrap
	case e.Body != "":
		b.WriteString(": ")
		b.WriteString(e.Body)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(privacy.SanitizeError(e.Err))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError wraps err as a failure of kind for provider p.
func NewError(kind Kind, p models.ProviderType, err error) *Error {
	return &Error{Kind: kind, Provider: p, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, p models.ProviderType, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: p, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies any error. Unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// TransportError classifies a failed round trip, preferring the state of ctx.
func TransportError(ctx context.Context, p models.ProviderType, err error) *Error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return NewError(KindCancelled, p, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, p, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, p, err)
	}
	return NewError(KindTransport, p, err)
}

// DecodeError reports an unparseable provider payload.
func DecodeError(p models.ProviderType, err error) *Error {
	return NewError(KindDecode, p, err)
}

// HTTPError builds an Http failure from a non-2xx response, keeping a
// sanitized excerpt of the body. message, when non-empty, is the provider's
// own error text and takes precedence over the raw body.
func HTTPError(p models.ProviderType, resp *http.Response, message string) *Error {
	excerpt := message
	if excerpt == "" && resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		excerpt = strings.TrimSpace(string(body))
	}
	return &Error{
		Kind:     KindHTTP,
		Provider: p,
		Status:   resp.StatusCode,
		Body:     privacy.Excerpt(excerpt, BodyExcerptLimit-len("...")),
	}
}
