package kittenerror

import "fmt"

// Custom error type is needed to be able to distinguish different error types.
type Custom struct {
	Code  int32
	Resp  string
	Descr string
}

func NewCustom(code int32, resp string, descr string) *Custom {
	return &Custom{Code: code, Resp: resp, Descr: descr}
}

func (e *Custom) Error() string {
	if e.Descr == "" {
		return fmt.Sprintf(`Error %d: "%s"`, e.Code, e.Resp)
	}
	return fmt.Sprintf(`Error %d: "%s" %s`, e.Code, e.Resp, e.Descr)
}

func (e *Custom) GetCode() int32 {
	return e.Code
}

func (e *Custom) GetResp() string {
	return e.Resp
}

func (e *Custom) GetDescr() string {
	return e.Descr
}

// WithDescr returns a copy of e with descr attached, so that shared sentinel errors are never mutated.
func (e *Custom) WithDescr(descr string) *Custom {
	return &Custom{Code: e.Code, Resp: e.Resp, Descr: descr}
}
