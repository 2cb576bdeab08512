package message

import (
	"bytes"
	"testing"
)

func TestDiagnostic(t *testing.T) {
	e := &ApplicationError{Code: -2, Message: "out of range"}
	p := e.Diagnostic()
	if !bytes.Equal(p[:4], []byte{0xff, 0xff, 0xff, 0xfe}) {
		t.Fatalf("code not big-endian: %x", p[:4])
	}
	got := ParseDiagnostic(p)
	if *got != *e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
	if got.Error() != "out of range (code -2)" {
		t.Errorf("unexpected text: %s", got.Error())
	}

	bare := ParseDiagnostic([]byte("oh"))
	if bare.Code != 0 || bare.Message != "oh" || bare.Error() != "oh" {
		t.Errorf("short payload: %+v", bare)
	}
	if empty := ParseDiagnostic(nil); empty.Message != "" {
		t.Errorf("empty payload: %+v", empty)
	}
}
