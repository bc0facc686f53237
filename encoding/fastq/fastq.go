// Package fastq reads and writes FASTQ records whose sequence may be as long
// as a whole contig.
package fastq

import (
	"bufio"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

const (
	// QualOffset is the Phred+33 character for quality 0.
	QualOffset = '!'
	// MaxQual is the largest quality representable in a printable character.
	MaxQual = '~' - QualOffset

	maxLineLen = 1 << 30
)

// Record is one FASTQ record.  Name excludes the leading '@'.
type Record struct {
	Name      string
	Seq, Qual []byte
}

// Writer writes FASTQ records.  Errors are sticky.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter constructs a Writer that writes to w.  Flush must be called once
// all records are written.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write writes r.  Seq and Qual must have the same length.
func (w *Writer) Write(r *Record) error {
	if w.err != nil {
		return w.err
	}
	if len(r.Seq) != len(r.Qual) {
		w.err = errors.E(errors.Invalid, fmt.Sprintf("fastq: record %s: sequence length %d, quality length %d", r.Name, len(r.Seq), len(r.Qual)))
		return w.err
	}
	w.put('@')
	w.putString(r.Name)
	w.put('\n')
	w.putBytes(r.Seq)
	w.putString("\n+\n")
	w.putBytes(r.Qual)
	w.put('\n')
	return w.err
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

func (w *Writer) put(c byte) {
	if w.err == nil {
		w.err = w.w.WriteByte(c)
	}
}

func (w *Writer) putString(s string) {
	if w.err == nil {
		_, w.err = w.w.WriteString(s)
	}
}

func (w *Writer) putBytes(b []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}

// Scanner reads FASTQ records.  It requires the name line to start with '@'
// and the separator line to start with '+', and the sequence and quality
// lines to have equal length.
type Scanner struct {
	b    *bufio.Scanner
	line int
	err  error
}

// NewScanner constructs a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 0, 64<<10), maxLineLen)
	return &Scanner{b: b}
}

// Scan reads the next record into r, returning false at EOF or on error.  The
// record's slices are freshly allocated.
func (s *Scanner) Scan(r *Record) bool {
	if s.err != nil {
		return false
	}
	if !s.b.Scan() {
		s.err = s.b.Err()
		if s.err == nil {
			s.err = io.EOF
		}
		return false
	}
	s.line++
	name := s.b.Bytes()
	if len(name) == 0 || name[0] != '@' {
		return s.invalid("name line does not start with '@'")
	}
	r.Name = string(name[1:])
	if !s.next() {
		return false
	}
	r.Seq = append([]byte(nil), s.b.Bytes()...)
	if !s.next() {
		return false
	}
	if sep := s.b.Bytes(); len(sep) == 0 || sep[0] != '+' {
		return s.invalid("separator line does not start with '+'")
	}
	if !s.next() {
		return false
	}
	r.Qual = append([]byte(nil), s.b.Bytes()...)
	if len(r.Qual) != len(r.Seq) {
		return s.invalid(fmt.Sprintf("quality length %d, sequence length %d", len(r.Qual), len(r.Seq)))
	}
	return true
}

func (s *Scanner) next() bool {
	if s.b.Scan() {
		s.line++
		return true
	}
	s.err = s.b.Err()
	if s.err == nil {
		s.err = errors.E(errors.Invalid, fmt.Sprintf("fastq: truncated record at line %d", s.line))
	}
	return false
}

func (s *Scanner) invalid(msg string) bool {
	s.err = errors.E(errors.Invalid, fmt.Sprintf("fastq: line %d: %s", s.line, msg))
	return false
}

// Err returns the first error encountered, or nil at a clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
