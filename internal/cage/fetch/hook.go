package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	ErrNoHook          = errors.New("no fetch hook configured")
	ErrTooManyRequests = errors.New("request limit exceeded")
	ErrAborted         = errors.New("the operation was aborted")
	ErrBodyTooLarge    = errors.New("response body exceeds limit")
	ErrHookPanicked    = errors.New("fetch hook panicked")
)

// Hook performs network I/O on behalf of a script. It is the only egress
// from the cage and is called on its own goroutine.
type Hook interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HookFunc) Fetch(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Request is the plain-data shape of a script request as the hook sees it.
// Header names are lower-cased.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Signal  *Signal
}

// Response is what a hook returns. BodyBytes and HeadersData are
// authoritative when set; otherwise the native Body is drained and the header
// map rebuilt from Header.
type Response struct {
	Status      int
	StatusText  string
	URL         string
	Redirected  bool
	HeadersData map[string]string
	Header      http.Header
	BodyBytes   []byte
	Body        io.ReadCloser
}

// Materialize applies the fallback rule so the response can cross into the
// VM as plain data. limit <= 0 means unbounded.
func (r *Response) Materialize(limit int64) error {
	if r.BodyBytes == nil {
		if r.Body != nil {
			defer r.Body.Close()
			rd := io.Reader(r.Body)
			if limit > 0 {
				rd = io.LimitReader(r.Body, limit+1)
			}
			b, err := io.ReadAll(rd)
			if err != nil {
				return fmt.Errorf("read response body: %w", err)
			}
			if limit > 0 && int64(len(b)) > limit {
				return fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
			}
			r.BodyBytes = b
		} else {
			r.BodyBytes = []byte{}
		}
	}
	if r.StatusText == "" {
		r.StatusText = http.StatusText(r.Status)
	}
	return nil
}

// HeaderList returns the response headers under the single case folding
// policy used throughout the cage.
func (r *Response) HeaderList() *HeaderList {
	l := NewHeaderList()
	if r.HeadersData != nil {
		for k, v := range r.HeadersData {
			l.Append(k, v)
		}
		return l
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			l.Append(k, v)
		}
	}
	return l
}

// Signal is the Go side of an AbortSignal. Abort is called on the VM
// goroutine; hooks may observe it from any goroutine.
type Signal struct {
	once    sync.Once
	done    chan struct{}
	aborted atomic.Bool
	reason  atomic.Value
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Abort marks the signal aborted. Only the first call has an effect.
func (s *Signal) Abort(reason string) bool {
	fired := false
	s.once.Do(func() {
		s.reason.Store(reason)
		s.aborted.Store(true)
		close(s.done)
		fired = true
	})
	return fired
}

func (s *Signal) Aborted() bool { return s != nil && s.aborted.Load() }

// Done is closed once the signal is aborted. A nil signal never fires.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

func (s *Signal) Reason() string {
	if s == nil {
		return ""
	}
	r, _ := s.reason.Load().(string)
	return r
}
