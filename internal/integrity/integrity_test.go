package integrity

import (
	"crypto/sha1" //nolint:gosec
	"crypto/sha512"
	"encoding/base64"
	"testing"
)

func TestVerifySha512(t *testing.T) {
	data := []byte("hello world")
	sum := sha512.Sum512(data)
	expected := "sha512-" + base64.StdEncoding.EncodeToString(sum[:])

	if err := Verify(data, expected); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifySha1Legacy(t *testing.T) {
	data := []byte("legacy shasum record")
	sum := sha1.Sum(data) //nolint:gosec
	expected := "sha1-" + base64.StdEncoding.EncodeToString(sum[:])

	if err := Verify(data, expected); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	data := []byte("hello world")
	sum := sha512.Sum512([]byte("something else"))
	expected := "sha512-" + base64.StdEncoding.EncodeToString(sum[:])

	err := Verify(data, expected)
	if err == nil {
		t.Fatal("expected a mismatch error")
	}
	var mismatch *Mismatch
	if !asMismatch(err, &mismatch) {
		t.Fatalf("expected *Mismatch, got %T", err)
	}
}

func TestVerifyEmptyExpectedAlwaysSucceeds(t *testing.T) {
	if err := Verify([]byte("anything"), ""); err != nil {
		t.Fatalf("Verify with empty expected should always succeed, got %v", err)
	}
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	if err := Verify([]byte("data"), "md5-deadbeef"); err == nil {
		t.Fatal("expected an unsupported-algorithm error")
	}
}

func asMismatch(err error, target **Mismatch) bool {
	m, ok := err.(*Mismatch)
	if ok {
		*target = m
	}
	return ok
}
