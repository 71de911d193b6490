package waitdie

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Waiter describes a parked request inside a Snapshot.
type Waiter[T any] struct {
	TS      T
	Request Request
}

// Snapshot is a point-in-time copy of a WaitDieLock's state.
// Holders are sorted ascending; Waiters are in grant order, youngest first.
type Snapshot[T any] struct {
	Name    string
	Mode    Mode
	Holders []T
	Waiters []Waiter[T]
}

// String renders the snapshot in trace form:
//
//	Waiter: [ 9(S) 8(X) 6(S) ]
//	Owner: (X): [ 10 ]
func (s Snapshot[T]) String() string {
	var b strings.Builder
	b.WriteString("Waiter: [ ")
	for _, w := range s.Waiters {
		fmt.Fprintf(&b, "%v(%s) ", w.TS, w.Request.tag())
	}
	b.WriteString("]\nOwner: (")
	b.WriteString(s.Mode.tag())
	b.WriteString("): [ ")
	for _, h := range s.Holders {
		fmt.Fprintf(&b, "%v ", h)
	}
	b.WriteString("]\n")
	return b.String()
}

// WriteTo writes the trace form of the snapshot to w.
func (s Snapshot[T]) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, s.String())
	return int64(n), err
}

// LogValue implements slog.LogValuer.
func (s Snapshot[T]) LogValue() slog.Value {
	waiters := make([]string, len(s.Waiters))
	for i, w := range s.Waiters {
		waiters[i] = fmt.Sprintf("%v(%s)", w.TS, w.Request.tag())
	}
	attrs := []slog.Attr{
		slog.String("mode", s.Mode.String()),
		slog.Any("holders", s.Holders),
		slog.Any("waiters", waiters),
	}
	if s.Name != "" {
		attrs = append([]slog.Attr{slog.String("lock", s.Name)}, attrs...)
	}
	return slog.GroupValue(attrs...)
}
