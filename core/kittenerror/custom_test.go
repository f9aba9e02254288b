package kittenerror

import (
	"errors"
	"fmt"
	"testing"
)

func TestWithDescr(t *testing.T) {
	base := NewCustom(401, "unauthorized", "")
	wrapped := fmt.Errorf("handling request: %w", base.WithDescr("bad header"))

	var c *Custom
	if !errors.As(wrapped, &c) || c.GetCode() != 401 || c.GetResp() != "unauthorized" || c.GetDescr() != "bad header" {
		t.Fatalf("Expected code 401 with descr, got %+v", c)
	}

	if base.Descr != "" {
		t.Errorf("WithDescr must not modify the original error, got descr '%s'", base.Descr)
	}
}

func TestError(t *testing.T) {
	if res := NewCustom(400, "wrong query", "").Error(); res != `Error 400: "wrong query"` {
		t.Errorf("Wrong format: got %s", res)
	}

	if res := NewCustom(400, "wrong query", "SELECT 1").Error(); res != `Error 400: "wrong query" SELECT 1` {
		t.Errorf("Wrong format: got %s", res)
	}
}
