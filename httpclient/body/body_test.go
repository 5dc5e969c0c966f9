package body

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestBody_Open(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           *Body
		wantKind       Kind
		wantReplayable bool
		wantLen        int64
		wantContent    string
	}{
		{
			name:           "given empty body, then it reads nothing",
			body:           Empty(),
			wantKind:       KindEmpty,
			wantReplayable: true,
			wantLen:        0,
			wantContent:    "",
		},
		{
			name:           "given nil body, then it behaves as empty",
			body:           nil,
			wantKind:       KindEmpty,
			wantReplayable: true,
			wantLen:        0,
			wantContent:    "",
		},
		{
			name:           "given buffered bytes, then length is known",
			body:           Buffered([]byte("hello")),
			wantKind:       KindBuffered,
			wantReplayable: true,
			wantLen:        5,
			wantContent:    "hello",
		},
		{
			name:           "given empty bytes, then body collapses to empty",
			body:           Buffered(nil),
			wantKind:       KindEmpty,
			wantReplayable: true,
			wantLen:        0,
			wantContent:    "",
		},
		{
			name:           "given streamed reader, then length is unknown",
			body:           Streamed(strings.NewReader("stream")),
			wantKind:       KindStreamed,
			wantReplayable: false,
			wantLen:        -1,
			wantContent:    "stream",
		},
		{
			name:           "given streamed reader with length, then length is announced",
			body:           StreamedLen(strings.NewReader("abc"), 3),
			wantKind:       KindStreamed,
			wantReplayable: false,
			wantLen:        3,
			wantContent:    "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantKind, tt.body.Kind())
			assert.Equal(t, tt.wantReplayable, tt.body.Replayable())
			assert.Equal(t, tt.wantLen, tt.body.Len())

			rc, err := tt.body.Open()
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, tt.wantContent, string(got))
		})
	}
}

func TestBody_BufferedReplay(t *testing.T) {
	t.Parallel()

	src := []byte("payload")
	b := Buffered(src)
	src[0] = 'X'

	for range 3 {
		rc, err := b.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(got))
	}
	assert.False(t, b.Consumed())
}

func TestBody_StreamedConsumeOnce(t *testing.T) {
	t.Parallel()

	src := &closeTracker{Reader: strings.NewReader("once")}
	b := Streamed(src)

	rc, err := b.Open()
	require.NoError(t, err)
	assert.True(t, b.Consumed())

	_, err = b.Open()
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	_, err = b.Chunks()
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	require.NoError(t, rc.Close())
	assert.True(t, src.closed)
}

func TestBody_Chunks(t *testing.T) {
	t.Parallel()

	large := bytes.Repeat([]byte("a"), ChunkSize*2+10)

	type args struct {
		body *Body
	}
	tests := []struct {
		name       string
		args       args
		wantChunks int
		wantTotal  int
	}{
		{
			name:       "given empty body, then no chunks are yielded",
			args:       args{body: Empty()},
			wantChunks: 0,
			wantTotal:  0,
		},
		{
			name:       "given buffered body larger than chunk size, then it is split",
			args:       args{body: Buffered(large)},
			wantChunks: 3,
			wantTotal:  len(large),
		},
		{
			name:       "given streamed body, then all bytes are yielded",
			args:       args{body: Streamed(bytes.NewReader(large))},
			wantChunks: -1,
			wantTotal:  len(large),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			chunks, err := tt.args.body.Chunks()
			require.NoError(t, err)

			var n, total int
			for chunk, err := range chunks {
				require.NoError(t, err)
				assert.LessOrEqual(t, len(chunk), ChunkSize)
				n++
				total += len(chunk)
			}
			if tt.wantChunks >= 0 {
				assert.Equal(t, tt.wantChunks, n)
			}
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}

func TestBody_ChunksStopEarly(t *testing.T) {
	t.Parallel()

	src := &closeTracker{Reader: bytes.NewReader(bytes.Repeat([]byte("b"), ChunkSize*4))}
	chunks, err := Streamed(src).Chunks()
	require.NoError(t, err)

	for range chunks {
		break
	}
	assert.True(t, src.closed)
}

func TestBody_ChunksError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	chunks, err := Pipe(func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	}).Chunks()
	require.NoError(t, err)

	var gotErr error
	var got []byte
	for chunk, err := range chunks {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, chunk...)
	}
	assert.Equal(t, "partial", string(got))
	require.ErrorIs(t, gotErr, boom)
}

func TestPipe(t *testing.T) {
	t.Parallel()

	t.Run("given producer, then content streams to the reader", func(t *testing.T) {
		t.Parallel()

		b := Pipe(func(w io.Writer) error {
			for i := range 3 {
				if _, err := w.Write([]byte{byte('0' + i)}); err != nil {
					return err
				}
			}
			return nil
		})
		got, err := ReadAll(b)
		require.NoError(t, err)
		assert.Equal(t, "012", string(got))
	})

	t.Run("given unread pipe, then producer never starts", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{}, 1)
		b := Pipe(func(io.Writer) error {
			started <- struct{}{}
			return nil
		})
		rc, err := b.Open()
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		select {
		case <-started:
			t.Fatal("producer should not run")
		default:
		}
	})

	t.Run("given close before first read, then reads fail without panic", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{}, 1)
		b := Pipe(func(io.Writer) error {
			started <- struct{}{}
			return nil
		})
		rc, err := b.Open()
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		var n int
		require.NotPanics(t, func() {
			n, err = rc.Read(make([]byte, 4))
		})
		assert.Zero(t, n)
		require.ErrorIs(t, err, io.ErrClosedPipe)

		select {
		case <-started:
			t.Fatal("producer should not run after close")
		default:
		}
	})

	t.Run("given consumer closes early, then producer writes fail", func(t *testing.T) {
		t.Parallel()

		writeErr := make(chan error, 1)
		b := Pipe(func(w io.Writer) error {
			for {
				if _, err := w.Write([]byte("x")); err != nil {
					writeErr <- err
					return err
				}
			}
		})
		rc, err := b.Open()
		require.NoError(t, err)

		buf := make([]byte, 1)
		_, err = rc.Read(buf)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		require.ErrorIs(t, <-writeErr, io.ErrClosedPipe)
	})
}

func TestReadAll(t *testing.T) {
	t.Parallel()

	b := Buffered([]byte("copy"))
	got, err := ReadAll(b)
	require.NoError(t, err)
	got[0] = 'X'

	again, _ := b.Bytes()
	assert.Equal(t, "copy", string(again))
}
