package store

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
)

// MaxOpenFiles bounds how many partition files the writer keeps open at
// once, matching the original BatchWriter's fixed pool size.
const MaxOpenFiles = 5

type openFile struct {
	path string
	f    *os.File
	w    *ipc.Writer
	mu   sync.Mutex
}

func (of *openFile) close() error {
	of.mu.Lock()
	defer of.mu.Unlock()
	var firstErr error
	if err := of.w.Close(); err != nil {
		firstErr = err
	}
	if err := of.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// writerPool keeps at most MaxOpenFiles ipc.Writer instances open,
// evicting (flushing and closing) the least-recently-used file when a new
// partition is admitted (spec.md §4.J).
type writerPool struct {
	mem     memory.Allocator
	max     int
	mu      sync.Mutex
	order   *list.List
	byPath  map[string]*list.Element
	log     zerolog.Logger
}

func newWriterPool(mem memory.Allocator, max int, log zerolog.Logger) *writerPool {
	return &writerPool{
		mem:    mem,
		max:    max,
		order:  list.New(),
		byPath: make(map[string]*list.Element),
		log:    log,
	}
}

func (p *writerPool) get(path string, schema *arrow.Schema) (*openFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.byPath[path]; ok {
		p.order.MoveToFront(el)
		return el.Value.(*openFile), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create partition dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open partition file %s: %w", path, err)
	}
	w := ipc.NewWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(p.mem))

	of := &openFile{path: path, f: f, w: w}
	el := p.order.PushFront(of)
	p.byPath[path] = el

	if p.order.Len() > p.max {
		oldest := p.order.Back()
		p.order.Remove(oldest)
		evicted := oldest.Value.(*openFile)
		delete(p.byPath, evicted.path)
		if err := evicted.close(); err != nil {
			p.log.Warn().Err(err).Str("path", evicted.path).Msg("error closing evicted partition writer")
		}
	}

	return of, nil
}

func (p *writerPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for el := p.order.Front(); el != nil; el = el.Next() {
		of := el.Value.(*openFile)
		if err := of.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.order = list.New()
	p.byPath = make(map[string]*list.Element)
	return firstErr
}
