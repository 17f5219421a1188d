package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ohler55/ojg/oj"

	"github.com/locomote-sh/server/api"
)

// Emit writes one record as a JSON line.
type Emit func(rec *api.FileRecord) error

// WriteRecord encodes rec as a single JSON line on w.
func WriteRecord(w io.Writer, rec *api.FileRecord) error {
	data, err := oj.Marshal(rec, &oj.Options{OmitNil: true, Sort: true})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte{'\n'})
	return err
}

// ParseRecord decodes one JSON line into a FileRecord.
func ParseRecord(line []byte) (*api.FileRecord, error) {
	var rec api.FileRecord
	if err := oj.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// TransformJSONL iterates the JSON-lines records on r, passes each through
// fn (nil drops the record) and writes the survivors to w. After the input
// drains, flush may append trailing records (control records). Either
// function may be nil.
func TransformJSONL(
	w io.Writer, r io.Reader,
	fn func(rec *api.FileRecord, emit Emit) error,
	flush func(emit Emit) error,
) error {
	bw := bufio.NewWriter(w)
	emit := func(rec *api.FileRecord) error {
		return WriteRecord(bw, rec)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return err
		}
		if fn == nil {
			if err := emit(rec); err != nil {
				return err
			}
			continue
		}
		if err := fn(rec, emit); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if flush != nil {
		if err := flush(emit); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// TransformLines iterates plain text lines on r, passing each to fn with
// an emitter for JSON-line records.
func TransformLines(
	w io.Writer, r io.Reader,
	fn func(line string, emit Emit) error,
	flush func(emit Emit) error,
) error {
	bw := bufio.NewWriter(w)
	emit := func(rec *api.FileRecord) error {
		return WriteRecord(bw, rec)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := fn(line, emit); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if flush != nil {
		if err := flush(emit); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRecords decodes a whole JSON-lines stream. Used by consumers that
// need the records in memory (file-info DB population, search sync).
func ReadRecords(r io.Reader) ([]*api.FileRecord, error) {
	var out []*api.FileRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
