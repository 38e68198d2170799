package lens

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	data       []byte
	writeCount int
	err        error
}

func (m *mockWriter) Write(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	} else if m.writeCount > 0 && len(p) > m.writeCount {
		p = p[:m.writeCount]
	}
	m.data = append(m.data, p...)
	return len(p), nil
}

type mockCloser struct {
	closed bool
	err    error
}

func (m *mockCloser) Write(p []byte) (int, error) {
	return len(p), nil
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.err
}

func TestTeeWriterWrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		writers []io.Writer
		wantN   int
		wantErr bool
	}{
		{
			name:    "all_success",
			writers: []io.Writer{&mockWriter{}, &mockWriter{}},
			wantN:   6,
		},
		{
			name:    "nil_writers_skipped",
			writers: []io.Writer{nil, &mockWriter{}, nil},
			wantN:   6,
		},
		{
			name:    "only_nil",
			writers: []io.Writer{nil},
			wantN:   6,
		},
		{
			name:    "uneven_counts",
			writers: []io.Writer{&mockWriter{}, &mockWriter{writeCount: 3}},
			wantErr: true,
		},
		{
			name:    "one_error",
			writers: []io.Writer{&mockWriter{err: errors.New("error1")}, &mockWriter{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := TeeWriter(tt.writers...).Write([]byte("print\n"))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantN, n)
			for _, w := range tt.writers {
				if mw, ok := w.(*mockWriter); ok {
					assert.Equal(t, "print\n", string(mw.data))
				}
			}
		})
	}
}

func TestTeeWriterClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		writers []io.Writer
		wantErr bool
	}{
		{
			name:    "no_closers",
			writers: []io.Writer{bytes.NewBuffer(nil), bytes.NewBuffer(nil)},
		},
		{
			name:    "single_writer",
			writers: []io.Writer{io.Discard},
		},
		{
			name:    "two_closers",
			writers: []io.Writer{&mockCloser{}, &mockCloser{}},
		},
		{
			name:    "closer_error",
			writers: []io.Writer{&mockCloser{err: errors.New("error")}, bytes.NewBuffer(nil)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TeeWriter(tt.writers...).Close()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			for _, w := range tt.writers {
				if mc, ok := w.(*mockCloser); ok {
					assert.True(t, mc.closed)
				}
			}
		})
	}
}

func TestLimitedRollingBufferWriter(t *testing.T) {
	t.Parallel()

	type write struct {
		data            string
		expectedContent string
	}

	tests := []struct {
		name      string
		sizeLimit int
		writes    []write
	}{
		{
			name:      "under_limit",
			sizeLimit: 10,
			writes:    []write{{data: "hello", expectedContent: "hello"}},
		},
		{
			name:      "rolling_truncation",
			sizeLimit: 8,
			writes: []write{
				{data: "12345", expectedContent: "12345"},
				{data: "67890", expectedContent: "...7890"},
				{data: "abc", expectedContent: "...0abc"},
				{data: "def", expectedContent: "...cdef"},
			},
		},
		{
			name:      "multi_byte_boundary",
			sizeLimit: 8,
			writes:    []write{{data: "abcdéfgh", expectedContent: "...fgh"}},
		},
		{
			name:      "minimum_limit",
			sizeLimit: 0,
			writes:    []write{{data: "1234567", expectedContent: "...567"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			writer := newLimitedRollingBufferWriter(buf, tt.sizeLimit)

			for _, w := range tt.writes {
				n, err := writer.Write([]byte(w.data))
				require.NoError(t, err)
				assert.Equal(t, len(w.data), n)
				assert.Equal(t, w.expectedContent, buf.String())
			}
		})
	}
}
