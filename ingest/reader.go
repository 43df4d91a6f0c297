package ingest

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Events can carry whole stacks, so lines get a generous limit.
const maxEventSize = 1024 * 1024

// Source reads one trace event stream line by line. Files ending in .gz
// are decompressed transparently.
type Source struct {
	name    string
	scanner *bufio.Scanner
	closers []io.Closer
}

func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var r io.Reader = f
	closers := []io.Closer{f}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		r = gz
		closers = []io.Closer{gz, f}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Source{
		name:    filepath.Base(path),
		scanner: scanner,
		closers: closers,
	}, nil
}

func (s *Source) Name() string {
	return s.name
}

func (s *Source) Scan() bool {
	return s.scanner.Scan()
}

func (s *Source) Bytes() []byte {
	return s.scanner.Bytes()
}

func (s *Source) Err() error {
	return s.scanner.Err()
}

func (s *Source) Close() error {
	var err error
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
