// Package flatfile writes items as JSON lines, one object per line.
package flatfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/modern-go/reflect2"
)

// DefaultDateLayout formats time.Time fields unless WithDateLayout says otherwise.
const DefaultDateLayout = "2006-01-02 15:04:05"

// Option configures a JSONLineWriter.
type Option func(*config)

type config struct {
	layout string
	append bool
}

// WithDateLayout sets the time.Format layout used for every time.Time value.
func WithDateLayout(layout string) Option {
	return func(c *config) { c.layout = layout }
}

// WithAppend keeps the existing file content instead of truncating on Open.
func WithAppend() Option {
	return func(c *config) { c.append = true }
}

// JSONLineWriter encodes each item on its own line. Every chunk is flushed
// to the underlying writer before Write returns.
type JSONLineWriter[T any] struct {
	cfg  config
	api  jsoniter.API
	path string
	out  io.Writer
	file *os.File
	buf  *bufio.Writer
}

// NewJSONLineWriter writes to w. Open and Close leave w alone.
func NewJSONLineWriter[T any](w io.Writer, opts ...Option) *JSONLineWriter[T] {
	jw := newWriter[T](opts)
	jw.out = w
	jw.buf = bufio.NewWriter(w)
	return jw
}

// NewFileWriter writes to path, which Open creates and Close closes.
func NewFileWriter[T any](path string, opts ...Option) *JSONLineWriter[T] {
	jw := newWriter[T](opts)
	jw.path = path
	return jw
}

func newWriter[T any](opts []Option) *JSONLineWriter[T] {
	cfg := config{layout: DefaultDateLayout}
	for _, o := range opts {
		o(&cfg)
	}
	api := jsoniter.Config{EscapeHTML: true, SortMapKeys: true}.Froze()
	api.RegisterExtension(&timeExtension{layout: cfg.layout})
	return &JSONLineWriter[T]{cfg: cfg, api: api}
}

func (w *JSONLineWriter[T]) Open(context.Context) error {
	if w.path == "" {
		return nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if w.cfg.append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(w.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	w.file = f
	w.out = f
	w.buf = bufio.NewWriter(f)
	return nil
}

func (w *JSONLineWriter[T]) Write(_ context.Context, items []T) error {
	if w.buf == nil {
		return fmt.Errorf("write %s: not open", w.path)
	}
	stream := w.api.BorrowStream(w.buf)
	defer w.api.ReturnStream(stream)

	for _, it := range items {
		stream.WriteVal(it)
		stream.WriteRaw("\n")
		if stream.Error != nil {
			return fmt.Errorf("encode item: %w", stream.Error)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush stream: %w", err)
	}
	return w.buf.Flush()
}

func (w *JSONLineWriter[T]) Flush(context.Context) error {
	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

func (w *JSONLineWriter[T]) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.out, w.buf = nil, nil, nil
	return err
}

var timeType = reflect.TypeOf(time.Time{})

// timeExtension encodes time.Time with a fixed layout instead of RFC 3339
type timeExtension struct {
	jsoniter.DummyExtension
	layout string
}

func (e *timeExtension) CreateEncoder(typ reflect2.Type) jsoniter.ValEncoder {
	if typ.Type1() == timeType {
		return &timeEncoder{layout: e.layout}
	}
	return nil
}

type timeEncoder struct {
	layout string
}

func (enc *timeEncoder) IsEmpty(ptr unsafe.Pointer) bool {
	return (*time.Time)(ptr).IsZero()
}

func (enc *timeEncoder) Encode(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	stream.WriteString((*time.Time)(ptr).Format(enc.layout))
}
