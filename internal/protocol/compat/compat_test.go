package compat

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/upscalerd/internal/protocol/frame"
)

func TestBatchRoundTrip(t *testing.T) {
	in := [][]byte{[]byte("one"), []byte("two-two")}
	var buf bytes.Buffer
	if err := WriteBatch(&buf, in); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{2, 0, 0, 0}) {
		t.Fatalf("unexpected count prefix: %v", got)
	}
	out, err := ReadBatch(&buf, 8, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if len(out) != 2 || string(out[0]) != "one" || string(out[1]) != "two-two" {
		t.Fatalf("batch mismatch: %q", out)
	}
}

func TestReadBatchRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{name: "empty stream", raw: nil, want: frame.ErrTruncatedFrame},
		{name: "zero images", raw: []byte{0, 0, 0, 0}, want: ErrEmptyBatch},
		{name: "over limit", raw: []byte{9, 0, 0, 0}, want: ErrBatchTooLarge},
		{name: "missing image", raw: []byte{1, 0, 0, 0}, want: frame.ErrTruncatedFrame},
		{name: "empty image", raw: []byte{1, 0, 0, 0, 0, 0, 0, 0}, want: ErrEmptyImage},
		{name: "short image", raw: []byte{1, 0, 0, 0, 3, 0, 0, 0, 'a'}, want: frame.ErrTruncatedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadBatch(bytes.NewReader(tc.raw), 8, frame.DefaultLimits())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestKeepAliveResultRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResult(&buf, Result{Status: StatusOK, Image: []byte("png")}); err != nil {
		t.Fatalf("write ok: %v", err)
	}
	if err := WriteResult(&buf, Result{Status: StatusFailed}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ok, err := ReadResult(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read ok: %v", err)
	}
	if ok.Status != StatusOK || string(ok.Image) != "png" {
		t.Fatalf("unexpected ok result: %+v", ok)
	}
	failed, err := ReadResult(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if failed.Status != StatusFailed || len(failed.Image) != 0 {
		t.Fatalf("unexpected failed result: %+v", failed)
	}
	if _, err := ReadResult(&buf, frame.DefaultLimits()); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestKeepAliveImageSentinel(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImage(&buf, []byte("jpg")); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := frame.WriteSentinel(&buf); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
	img, err := ReadImage(&buf, frame.DefaultLimits())
	if err != nil || string(img) != "jpg" {
		t.Fatalf("unexpected image: %q err=%v", img, err)
	}
	end, err := ReadImage(&buf, frame.DefaultLimits())
	if err != nil || len(end) != 0 {
		t.Fatalf("expected sentinel, got %q err=%v", end, err)
	}
}
