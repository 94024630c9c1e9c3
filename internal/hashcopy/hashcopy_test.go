package hashcopy

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/codeGROOVE-dev/bytestore/digest"
)

func TestHash(t *testing.T) {
	d, err := Hash(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if d.SizeBytes != 11 {
		t.Errorf("SizeBytes = %d, want 11", d.SizeBytes)
	}
	want, _ := Hash(strings.NewReader("hello world"))
	if d.Hash != want.Hash {
		t.Error("Hash is not deterministic")
	}
}

func TestCopyVerify_Match(t *testing.T) {
	content := []byte("the quick brown fox")
	want, err := Hash(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	var dst bytes.Buffer
	retry, err := CopyVerify(want, bytes.NewReader(content), &dst, true)
	if err != nil {
		t.Fatalf("CopyVerify: %v", err)
	}
	if retry {
		t.Error("CopyVerify: retry = true, want false on match")
	}
	if dst.String() != string(content) {
		t.Errorf("copied content = %q, want %q", dst.String(), content)
	}
}

func TestCopyVerify_MutableMismatchRetries(t *testing.T) {
	expected := digest.Digest{Hash: digest.EmptyFingerprint(), SizeBytes: 999}

	var dst bytes.Buffer
	retry, err := CopyVerify(expected, strings.NewReader("not what was expected"), &dst, false)
	if err != nil {
		t.Fatalf("CopyVerify: %v", err)
	}
	if !retry {
		t.Error("CopyVerify: retry = false, want true for mutable mismatch")
	}
}

func TestCopyVerify_ImmutableMismatchErrors(t *testing.T) {
	expected := digest.Digest{Hash: digest.EmptyFingerprint(), SizeBytes: 999}

	var dst bytes.Buffer
	retry, err := CopyVerify(expected, strings.NewReader("not what was expected"), &dst, true)
	if err == nil {
		t.Fatal("CopyVerify: err = nil, want integrity error for immutable mismatch")
	}
	if retry {
		t.Error("CopyVerify: retry = true, want false when err is returned")
	}
}

func TestCopyVerify_ReadError(t *testing.T) {
	expected := digest.EmptyDigest
	var dst bytes.Buffer
	_, err := CopyVerify(expected, iotest(), &dst, true)
	if err == nil {
		t.Fatal("CopyVerify: err = nil, want error on read failure")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func iotest() io.Reader { return failingReader{} }
