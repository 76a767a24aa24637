// Package server contains the JSON payload types shared by the HTTP
// interfaces.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
)

// FloatT is a struct with a single float64 field, F64, tagged as f64
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, Int, tagged as int
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, Str, tagged as str
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, Bool, tagged as bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct that holds one of several types and knows how to
// reply with the populated one, given T
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Int    int
	String string
	Bool   bool
}

func (hp HumanPayload) body() (interface{}, error) {
	switch hp.T {
	case types.Float64:
		return FloatT{F64: hp.Float}, nil
	case types.Int:
		return IntT{Int: hp.Int}, nil
	case types.String:
		return StrT{Str: hp.String}, nil
	case types.Bool:
		return BoolT{Bool: hp.Bool}, nil
	default:
		return nil, fmt.Errorf("server: HumanPayload of unsupported kind %d", hp.T)
	}
}

// EncodeAndRespond writes the payload to w as JSON, e.g. {"f64": 4.2}
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	b, err := hp.body()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	EncodeAndRespond(w, b)
}

// EncodeAndRespond writes v to w as JSON with a 200 status
func EncodeAndRespond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
	}
}
